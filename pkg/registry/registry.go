package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/idham/relay/internal/observability"
	"github.com/rs/zerolog/log"
)

// UserInput is one human-in-the-loop value routed to a paused agent.
type UserInput struct {
	NodeID string
	Value  string
}

// Instance is one live agent handling a session. The registry entry owns the
// instance while its loop runs; stop and input requests look it up by ID.
type Instance struct {
	AgentID      string
	Role         string
	Model        string
	RegisteredAt time.Time

	// InputCh receives user-input callback values while the agent is paused
	// on a human-in-the-loop step.
	InputCh chan UserInput
}

// NewInstance creates an instance with a buffered input channel.
func NewInstance(agentID, role, model string) Instance {
	return Instance{
		AgentID:      agentID,
		Role:         role,
		Model:        model,
		RegisteredAt: time.Now(),
		InputCh:      make(chan UserInput, 4),
	}
}

// DefaultCapacity is the default session capacity before eviction kicks in.
const DefaultCapacity = 1000

// DefaultCleanupThreshold is the default load factor that triggers eviction.
const DefaultCleanupThreshold = 0.8

// Registry is a concurrency-safe multimap from session ID to the live agent
// instances handling that session. When tracked sessions exceed
// capacity*threshold, the 20% of sessions with the fewest registered agents
// are evicted outright; eviction runs opportunistically inside Get and Set.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string][]Instance
	capacity  int
	threshold float64
}

// New creates a registry. Non-positive capacity or threshold use defaults.
func New(capacity int, cleanupThreshold float64) *Registry {
	observability.EnsureRegistered()

	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if cleanupThreshold <= 0 || cleanupThreshold > 1 {
		cleanupThreshold = DefaultCleanupThreshold
	}
	return &Registry{
		sessions:  make(map[string][]Instance),
		capacity:  capacity,
		threshold: cleanupThreshold,
	}
}

// Get returns a snapshot copy of the instances for a session. Callers never
// observe concurrent mutation through the returned slice.
func (r *Registry) Get(session string) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeEvict()

	instances, ok := r.sessions[session]
	if !ok {
		return nil
	}
	out := make([]Instance, len(instances))
	copy(out, instances)
	return out
}

// Set replaces the instance set for a session.
func (r *Registry) Set(session string, instances []Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeEvict()

	stored := make([]Instance, len(instances))
	copy(stored, instances)
	r.sessions[session] = stored
	observability.SetRegistrySessions(len(r.sessions))
}

// Register adds an instance to a session. Registration is idempotent by
// agent ID: re-registering an existing ID leaves exactly one entry.
func (r *Registry) Register(session string, instance Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions[session] {
		if existing.AgentID == instance.AgentID {
			return
		}
	}
	r.sessions[session] = append(r.sessions[session], instance)
	observability.SetRegistrySessions(len(r.sessions))
}

// Deregister removes one instance from a session by agent ID.
func (r *Registry) Deregister(session, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.sessions[session]
	for i, existing := range instances {
		if existing.AgentID == agentID {
			r.sessions[session] = append(instances[:i], instances[i+1:]...)
			break
		}
	}
	if len(r.sessions[session]) == 0 {
		delete(r.sessions, session)
	}
	observability.SetRegistrySessions(len(r.sessions))
}

// Clear removes a session's entry entirely.
func (r *Registry) Clear(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, session)
	observability.SetRegistrySessions(len(r.sessions))
}

// SessionCount returns the number of tracked sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// maybeEvict drops the least-populated sessions once the tracked session
// count passes capacity*threshold. Instance count is a cheap activity proxy.
// Caller must hold r.mu.
func (r *Registry) maybeEvict() {
	limit := int(float64(r.capacity) * r.threshold)
	if len(r.sessions) <= limit {
		return
	}

	type entry struct {
		session string
		count   int
	}
	entries := make([]entry, 0, len(r.sessions))
	for session, instances := range r.sessions {
		entries = append(entries, entry{session: session, count: len(instances)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count < entries[j].count
		}
		return entries[i].session < entries[j].session
	})

	evictCount := r.capacity / 5
	if evictCount > len(entries) {
		evictCount = len(entries)
	}
	for _, e := range entries[:evictCount] {
		delete(r.sessions, e.session)
	}

	observability.RecordRegistryEviction(evictCount)
	observability.SetRegistrySessions(len(r.sessions))
	log.Info().
		Int("evicted", evictCount).
		Int("remaining", len(r.sessions)).
		Msg("Registry eviction completed")
}
