package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := New(0, 0)

	r.Register("chat-1", NewInstance("captain", "captain", "gpt-4o"))
	r.Register("chat-1", NewInstance("captain", "captain", "gpt-4o"))

	instances := r.Get("chat-1")
	require.Len(t, instances, 1)
	assert.Equal(t, "captain", instances[0].AgentID)
}

func TestRegistry_MultipleAgentsPerSession(t *testing.T) {
	r := New(0, 0)

	r.Register("chat-1", NewInstance("captain", "captain", "gpt-4o"))
	r.Register("chat-1", NewInstance("researcher", "executor", "gpt-4o-mini"))

	assert.Len(t, r.Get("chat-1"), 2)
	assert.Equal(t, 1, r.SessionCount())
}

func TestRegistry_GetReturnsSnapshot(t *testing.T) {
	r := New(0, 0)
	r.Register("chat-1", NewInstance("captain", "captain", "gpt-4o"))

	snapshot := r.Get("chat-1")
	snapshot[0].AgentID = "mutated"

	assert.Equal(t, "captain", r.Get("chat-1")[0].AgentID)
}

func TestRegistry_GetUnknownSession(t *testing.T) {
	r := New(0, 0)
	assert.Nil(t, r.Get("nope"))
}

func TestRegistry_Set(t *testing.T) {
	r := New(0, 0)
	r.Set("chat-1", []Instance{
		NewInstance("a", "general", "m"),
		NewInstance("b", "general", "m"),
	})

	assert.Len(t, r.Get("chat-1"), 2)

	r.Set("chat-1", []Instance{NewInstance("c", "general", "m")})
	instances := r.Get("chat-1")
	require.Len(t, instances, 1)
	assert.Equal(t, "c", instances[0].AgentID)
}

func TestRegistry_Deregister(t *testing.T) {
	r := New(0, 0)
	r.Register("chat-1", NewInstance("a", "general", "m"))
	r.Register("chat-1", NewInstance("b", "general", "m"))

	r.Deregister("chat-1", "a")
	instances := r.Get("chat-1")
	require.Len(t, instances, 1)
	assert.Equal(t, "b", instances[0].AgentID)

	// Removing the last instance drops the session entry.
	r.Deregister("chat-1", "b")
	assert.Equal(t, 0, r.SessionCount())
}

func TestRegistry_Clear(t *testing.T) {
	r := New(0, 0)
	r.Register("chat-1", NewInstance("a", "general", "m"))

	r.Clear("chat-1")
	assert.Nil(t, r.Get("chat-1"))
	assert.Equal(t, 0, r.SessionCount())
}

func TestRegistry_EvictionDropsLeastPopulated(t *testing.T) {
	// capacity 10, threshold 0.8: eviction fires past 8 sessions and drops
	// capacity/5 = 2 of the least-populated ones.
	r := New(10, 0.8)

	for i := 0; i < 9; i++ {
		session := fmt.Sprintf("chat-%d", i)
		r.Register(session, NewInstance("a", "general", "m"))
		if i >= 2 {
			r.Register(session, NewInstance("b", "general", "m"))
		}
	}
	assert.Equal(t, 9, r.SessionCount())

	// Get triggers opportunistic eviction.
	r.Get("chat-5")

	assert.Equal(t, 7, r.SessionCount())
	// The single-instance sessions go first.
	assert.Nil(t, r.Get("chat-0"))
	assert.Nil(t, r.Get("chat-1"))
	assert.Len(t, r.Get("chat-5"), 2)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(0, 0)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("chat-%d", i%4)
			r.Register(session, NewInstance(fmt.Sprintf("agent-%d", i), "general", "m"))
			_ = r.Get(session)
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		total += len(r.Get(fmt.Sprintf("chat-%d", i)))
	}
	assert.Equal(t, 20, total)
}
