package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwarm(backpressure BackpressurePolicy, bufSize int) *Swarm {
	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		eventCh:      make(chan GossipMessage, bufSize),
		backpressure: backpressure,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func TestDeliverDropOldestMakesRoomForNewest(t *testing.T) {
	s := newTestSwarm(DropOldest, 1)

	s.deliver(GossipMessage{MessageID: "first"})
	s.deliver(GossipMessage{MessageID: "second"})

	require.Len(t, s.eventCh, 1)
	got := <-s.eventCh
	assert.Equal(t, "second", got.MessageID)
}

func TestDeliverDropOldestNeverBlocks(t *testing.T) {
	s := newTestSwarm(DropOldest, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.deliver(GossipMessage{MessageID: "msg"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked with DropOldest policy")
	}
}

func TestDeliverBlockBrieflyDeliversWhenRoomExists(t *testing.T) {
	s := newTestSwarm(BlockBriefly, 1)

	s.deliver(GossipMessage{MessageID: "only"})

	require.Len(t, s.eventCh, 1)
	got := <-s.eventCh
	assert.Equal(t, "only", got.MessageID)
}

func TestDeliverBlockBrieflyGivesUpEventually(t *testing.T) {
	s := newTestSwarm(BlockBriefly, 1)
	s.deliver(GossipMessage{MessageID: "blocker"})

	start := time.Now()
	s.deliver(GossipMessage{MessageID: "dropped"})
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, s.eventCh, 1)
	got := <-s.eventCh
	assert.Equal(t, "blocker", got.MessageID)
}

func TestDrainPendingRepliesShuttingDown(t *testing.T) {
	cmdCh := make(chan Command, 2)
	c1 := SubscribeCommand("a")
	c2 := SubscribeCommand("b")
	cmdCh <- c1
	cmdCh <- c2

	drainPending(cmdCh)

	assert.ErrorIs(t, (<-c1.Reply).Err, ErrShuttingDown)
	assert.ErrorIs(t, (<-c2.Reply).Err, ErrShuttingDown)
}
