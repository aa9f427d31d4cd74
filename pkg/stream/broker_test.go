package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()

	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream to close, got %d events", len(events))
		}
	}
}

func TestBroker_OrderedDelivery(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "hello"))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish("chat-1", ContentEvent(fmt.Sprintf("chunk-%d", i))))
	}
	require.NoError(t, b.Publish("chat-1", CompleteEvent(nil)))

	ch, err := b.Subscribe(context.Background(), "chat-1")
	require.NoError(t, err)

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 11)

	var lastSeq uint64
	for i, ev := range events {
		assert.Greater(t, ev.Seq, lastSeq, "event %d out of order", i)
		lastSeq = ev.Seq
	}
	assert.Equal(t, EventComplete, events[10].Type)
}

func TestBroker_UnknownSessionYieldsSingleErrorEvent(t *testing.T) {
	b := NewBroker(0)

	ch, err := b.Subscribe(context.Background(), "chat-missing")
	require.NoError(t, err)

	events := collect(t, ch, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.False(t, events[0].Success)
	assert.Contains(t, events[0].Error, "stream not found")
}

func TestBroker_TerminalEventClosesStream(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "q"))

	require.NoError(t, b.Publish("chat-1", CompleteEvent(nil)))
	err := b.Publish("chat-1", ContentEvent("late"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestBroker_PublishUnknownSession(t *testing.T) {
	b := NewBroker(0)
	err := b.Publish("chat-x", ContentEvent("hi"))
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestBroker_SingleConsumer(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "q"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Subscribe(ctx, "chat-1")
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, "chat-1")
	assert.ErrorIs(t, err, ErrConsumerAttached)
}

func TestBroker_DropOldestOnOverflow(t *testing.T) {
	b := NewBroker(4)
	require.NoError(t, b.CreateStream("chat-1", "q"))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish("chat-1", ContentEvent(fmt.Sprintf("chunk-%d", i))))
	}
	require.NoError(t, b.Publish("chat-1", CompleteEvent(nil)))

	ch, err := b.Subscribe(context.Background(), "chat-1")
	require.NoError(t, err)

	events := collect(t, ch, 2*time.Second)
	// Buffer of 4: three oldest content chunks survive plus the terminal event.
	require.Len(t, events, 4)
	assert.Equal(t, "chunk-7", events[0].Data["content"])
	assert.Equal(t, EventComplete, events[3].Type)
}

func TestBroker_LiveTail(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "q"))

	ch, err := b.Subscribe(context.Background(), "chat-1")
	require.NoError(t, err)

	go func() {
		for i := 0; i < 5; i++ {
			_ = b.Publish("chat-1", ContentEvent(fmt.Sprintf("c%d", i)))
			time.Sleep(5 * time.Millisecond)
		}
		_ = b.Publish("chat-1", CompleteEvent(nil))
	}()

	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 6)
	assert.Equal(t, "c0", events[0].Data["content"])
	assert.Equal(t, EventComplete, events[5].Type)
}

func TestBroker_CreateLiveStreamTwice(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "q"))
	assert.ErrorIs(t, b.CreateStream("chat-1", "q"), ErrStreamExists)
}

func TestBroker_CloseWithoutConsumerRemovesStream(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "q"))
	require.True(t, b.Exists("chat-1"))

	b.Close("chat-1")
	assert.False(t, b.Exists("chat-1"))
}

func TestBroker_InitialQuery(t *testing.T) {
	b := NewBroker(0)
	require.NoError(t, b.CreateStream("chat-1", "what's 2+2"))

	q, ok := b.InitialQuery("chat-1")
	require.True(t, ok)
	assert.Equal(t, "what's 2+2", q)
}
