package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(t *testing.T, queueSize, replayCap int) *Broker {
	t.Helper()
	return New(zap.NewNop(), queueSize, replayCap)
}

func TestPostAssignsMonotonicSeq(t *testing.T) {
	b := newTestBroker(t, 8, 8)
	ctx := context.Background()

	e1 := b.Post(ctx, schemas.EventHeartbeat, "", nil)
	e2 := b.Post(ctx, schemas.EventHeartbeat, "", nil)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b := newTestBroker(t, 8, 8)
	ch, unsubscribe := b.Subscribe("sub1", nil)
	defer unsubscribe()

	b.Post(context.Background(), schemas.EventGraphChanged, "", "payload")

	select {
	case ev := <-ch:
		assert.Equal(t, schemas.EventGraphChanged, ev.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysFromSeq(t *testing.T) {
	b := newTestBroker(t, 8, 8)
	ctx := context.Background()
	b.Post(ctx, schemas.EventHeartbeat, "", 1)
	e2 := b.Post(ctx, schemas.EventHeartbeat, "", 2)
	e3 := b.Post(ctx, schemas.EventHeartbeat, "", 3)

	from := e2.Seq - 1 // replay everything from e2 onward
	ch, unsubscribe := b.Subscribe("sub-replay", &from)
	defer unsubscribe()

	first := <-ch
	second := <-ch
	assert.Equal(t, e2.Seq, first.Seq)
	assert.Equal(t, e3.Seq, second.Seq)
}

func TestOverflowTruncatesFromHead(t *testing.T) {
	b := newTestBroker(t, 2, 16)
	ch, unsubscribe := b.Subscribe("sub-overflow", nil)
	defer unsubscribe()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Post(ctx, schemas.EventHeartbeat, "", i)
	}

	var kinds []schemas.EventKind
	drain := true
	for drain {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Event)
		default:
			drain = false
		}
	}

	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, schemas.EventOverflow)
	// The most recent post must always survive truncation.
	assert.Equal(t, schemas.EventHeartbeat, kinds[len(kinds)-1])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroker(t, 4, 4)
	ch, unsubscribe := b.Subscribe("sub-close", nil)
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestShutdownClosesAllSubscribers(t *testing.T) {
	b := newTestBroker(t, 4, 4)
	ch1, _ := b.Subscribe("a", nil)
	ch2, _ := b.Subscribe("b", nil)

	b.Shutdown()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)

	// Posting after shutdown must not panic and must not deliver anywhere.
	assert.NotPanics(t, func() {
		b.Post(context.Background(), schemas.EventHeartbeat, "", nil)
	})
}
