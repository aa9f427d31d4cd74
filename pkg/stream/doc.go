// Package stream buffers and delivers per-session progress events to a
// single consumer in production order.
//
// Invariants:
// - Events for one session are delivered in the order they were published.
// - A terminal complete or error event closes the stream.
// - The per-session buffer is bounded; overflow drops the oldest event and
//   is counted, producers never block.
//
// Usage:
//
//	broker := stream.NewBroker(0)
//	_ = broker.CreateStream("chat-1", "what's 2+2")
//	_ = broker.Publish("chat-1", stream.ContentEvent("4"))
//	_ = broker.Publish("chat-1", stream.CompleteEvent(nil))
//	events, _ := broker.Subscribe(ctx, "chat-1")
//	for ev := range events {
//		_ = ev
//	}
package stream
