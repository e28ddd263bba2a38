package p2p

// GossipMessage is the only event the swarm actor ever surfaces to the
// application; every other libp2p-internal event (identify exchanges,
// Kademlia routing table updates, ping RTTs) is consumed inside the swarm
// actor and never crosses the event channel (spec.md §4.5).
type GossipMessage struct {
	Topic             string
	Data              []byte
	PropagationSource string
	MessageID         string
}

// BackpressurePolicy selects what the swarm actor does when the event
// channel is full.
type BackpressurePolicy int

const (
	// DropOldest discards the oldest buffered event to make room, and
	// increments a counter so the loss is observable (spec.md §4.5).
	DropOldest BackpressurePolicy = iota
	// BlockBriefly waits up to a short bound for the consumer to drain
	// the channel before giving up on this event.
	BlockBriefly
)
