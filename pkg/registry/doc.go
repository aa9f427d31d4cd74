// Package registry tracks the live agent instances handling each session.
//
// Invariants:
// - Register never creates duplicate entries for the same agent ID within a
//   session.
// - Get returns a defensive copy.
// - The lock guards only map mutation, never I/O.
//
// Usage:
//
//	reg := registry.New(1000, 0.8)
//	reg.Register("chat-1", registry.NewInstance("captain", "captain", "gpt-4o"))
//	instances := reg.Get("chat-1")
//	_ = instances
package registry
