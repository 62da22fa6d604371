// Package eventbus implements the per-operation event broker (C1): a typed
// topic with bounded per-subscriber queues, head-truncation overflow, and
// replay from a sequence number, generalized from the fan-out discipline of
// a channel-per-subscriber cognitive bus and the deque-backed event buffer
// of the original op_id-keyed broker.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/schemas"
)

// Broker fans out schemas.Event records for a single operation. All state
// mutation (subscriber registration/removal, sequence assignment, replay
// buffer append) is serialized through mu so that Post and Subscribe can
// never interleave inconsistently.
type Broker struct {
	logger      *zap.Logger
	mu          sync.Mutex
	subscribers map[string]chan schemas.Event
	queueSize   int
	seq         uint64
	replay      []schemas.Event
	replayCap   int
	closed      bool
}

// New creates a Broker with the given per-subscriber queue size and replay
// buffer capacity.
func New(logger *zap.Logger, queueSize, replayCap int) *Broker {
	if queueSize <= 0 {
		queueSize = 64
	}
	if replayCap <= 0 {
		replayCap = 256
	}
	return &Broker{
		logger:      logger.Named("eventbus"),
		subscribers: make(map[string]chan schemas.Event),
		queueSize:   queueSize,
		replayCap:   replayCap,
	}
}

// Post assigns the next sequence number, appends the event to the replay
// buffer, and fans it out to every current subscriber. It never blocks: a
// subscriber whose queue is full has its oldest entries dropped from the
// head and a single overflow marker put in their place before the new event
// is appended, per the head-truncation overflow policy.
func (b *Broker) Post(ctx context.Context, kind schemas.EventKind, role schemas.Role, data interface{}) schemas.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := schemas.Event{
		Seq:   b.seq,
		Event: kind,
		Role:  role,
		Data:  data,
	}
	ev.Timestamp = time.Now().UTC()

	b.replay = append(b.replay, ev)
	if len(b.replay) > b.replayCap {
		b.replay = b.replay[len(b.replay)-b.replayCap:]
	}

	if b.closed {
		return ev
	}

	for id, ch := range b.subscribers {
		b.deliver(id, ch, ev)
	}
	return ev
}

// deliver performs the non-blocking send-with-overflow-truncation for one
// subscriber channel. Caller must hold mu.
func (b *Broker) deliver(id string, ch chan schemas.Event, ev schemas.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	// Full: drop the oldest queued event and splice in a single overflow
	// marker in its place, then retry the send.
	select {
	case <-ch:
	default:
	}
	overflow := schemas.Event{Seq: ev.Seq, Timestamp: ev.Timestamp, Event: schemas.EventOverflow}
	select {
	case ch <- overflow:
	default:
	}
	select {
	case ch <- ev:
		return
	default:
	}
	// The marker took the freed slot: drop the next-oldest entry so the new
	// event still fits behind the marker.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
		b.logger.Warn("subscriber queue saturated even after overflow eviction", zap.String("subscriber", id))
	}
}

// Subscribe registers a new subscriber and returns its event channel and an
// unsubscribe function. If fromSeq is non-nil, buffered events with seq >
// *fromSeq are replayed into the channel (subject to the same capacity)
// before the subscriber starts receiving live events.
func (b *Broker) Subscribe(id string, fromSeq *uint64) (<-chan schemas.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan schemas.Event, b.queueSize)
	b.subscribers[id] = ch

	if fromSeq != nil {
		for _, ev := range b.replay {
			if ev.Seq > *fromSeq {
				b.deliver(id, ch, ev)
			}
		}
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok && existing == ch {
			delete(b.subscribers, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Shutdown closes every subscriber channel and prevents further delivery.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// LastSeq returns the most recently assigned sequence number.
func (b *Broker) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
