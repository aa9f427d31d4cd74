package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/idham/relay/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	// ErrStreamNotFound is returned when publishing to an unknown session.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamClosed is returned when publishing after a terminal event.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamExists is returned when creating a stream that is still live.
	ErrStreamExists = errors.New("stream already exists")
	// ErrConsumerAttached is returned on a second live subscription.
	ErrConsumerAttached = errors.New("stream already has a consumer")
)

// DefaultBufferSize bounds the per-session event buffer. When the buffer is
// full the broker drops the oldest event and counts the drop; producers are
// never blocked. This is the explicit backpressure policy.
const DefaultBufferSize = 256

type sessionStream struct {
	mu       sync.Mutex
	pending  []Event
	seq      uint64
	closed   bool
	consumed bool
	signal   chan struct{}
	query    string
	created  time.Time
}

func (s *sessionStream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Broker buffers and delivers ordered progress events to exactly one
// consumer per session. Writers may be any component of a running loop;
// delivery order is production order.
type Broker struct {
	mu         sync.Mutex
	streams    map[string]*sessionStream
	bufferSize int
}

// NewBroker creates a broker with the given per-session buffer size.
// Size <= 0 uses DefaultBufferSize.
func NewBroker(bufferSize int) *Broker {
	observability.EnsureRegistered()

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		streams:    make(map[string]*sessionStream),
		bufferSize: bufferSize,
	}
}

// CreateStream opens the event channel for a session. Recreating a session
// whose stream already terminated replaces it; recreating a live stream is
// an error.
func (b *Broker) CreateStream(session, initialQuery string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.streams[session]; ok {
		existing.mu.Lock()
		live := !existing.closed
		existing.mu.Unlock()
		if live {
			return ErrStreamExists
		}
	}

	b.streams[session] = &sessionStream{
		signal:  make(chan struct{}, 1),
		query:   initialQuery,
		created: time.Now(),
	}
	observability.SetActiveStreams(len(b.streams))

	log.Debug().Str("chat_id", session).Msg("Stream created")
	return nil
}

// Publish appends an event to the session's stream. A terminal event closes
// the stream; later publishes fail with ErrStreamClosed. On buffer overflow
// the oldest buffered event is dropped.
func (b *Broker) Publish(session string, event Event) error {
	b.mu.Lock()
	s, ok := b.streams[session]
	b.mu.Unlock()

	if !ok {
		return ErrStreamNotFound
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}

	s.seq++
	event.Seq = s.seq
	if event.At.IsZero() {
		event.At = time.Now()
	}

	if len(s.pending) >= b.bufferSize {
		s.pending = s.pending[1:]
		observability.RecordStreamDrop()
		log.Warn().Str("chat_id", session).Msg("Stream buffer full, dropping oldest event")
	}
	s.pending = append(s.pending, event)

	if event.Terminal() {
		s.closed = true
	}
	s.mu.Unlock()

	observability.RecordStreamEvent(string(event.Type))
	s.notify()
	return nil
}

// Subscribe attaches the single live consumer for a session and returns its
// event channel. The channel closes after the terminal event is delivered or
// the context is cancelled. An unknown session yields a channel carrying one
// terminal error event, so transports can still close cleanly.
func (b *Broker) Subscribe(ctx context.Context, session string) (<-chan Event, error) {
	b.mu.Lock()
	s, ok := b.streams[session]
	b.mu.Unlock()

	if !ok {
		out := make(chan Event, 1)
		out <- ErrorEvent("stream not found: " + session)
		close(out)
		return out, nil
	}

	s.mu.Lock()
	if s.consumed {
		s.mu.Unlock()
		return nil, ErrConsumerAttached
	}
	s.consumed = true
	s.mu.Unlock()

	out := make(chan Event)
	go b.drain(ctx, session, s, out)
	return out, nil
}

func (b *Broker) drain(ctx context.Context, session string, s *sessionStream, out chan<- Event) {
	defer close(out)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		if closed {
			s.mu.Lock()
			empty := len(s.pending) == 0
			s.mu.Unlock()
			if empty {
				b.remove(session)
				return
			}
			continue
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down the producer side of a session stream without a terminal
// event having been published. Any attached consumer sees its channel close.
func (b *Broker) Close(session string) {
	b.mu.Lock()
	s, ok := b.streams[session]
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()

	// Streams with no consumer are removed outright so they cannot leak.
	s.mu.Lock()
	noConsumer := !s.consumed
	s.mu.Unlock()
	if noConsumer {
		b.remove(session)
	}
}

// Exists reports whether a session currently has a stream.
func (b *Broker) Exists(session string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[session]
	return ok
}

// InitialQuery returns the query the stream was created with.
func (b *Broker) InitialQuery(session string) (string, bool) {
	b.mu.Lock()
	s, ok := b.streams[session]
	b.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.query, true
}

func (b *Broker) remove(session string) {
	b.mu.Lock()
	delete(b.streams, session)
	observability.SetActiveStreams(len(b.streams))
	b.mu.Unlock()
}
