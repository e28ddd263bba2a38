// Package p2p owns the libp2p swarm in a dedicated actor and exposes it
// to the rest of the node through two channels only: a command mailbox
// (application -> swarm, request-reply) and an event channel (swarm ->
// application, one-way). Application code never touches swarm internals
// directly (spec.md §4.5, §9).
package p2p

import (
	"errors"
	"fmt"
)

// ErrCommandTimeout is returned by the Commander when a reply does not
// arrive within its deadline.
var ErrCommandTimeout = errors.New("p2p: command timed out waiting for reply")

// ErrShuttingDown is the reply error for any command still pending when
// Shutdown is processed.
var ErrShuttingDown = errors.New("p2p: swarm is shutting down")

// CommandKind enumerates the commands the swarm actor recognizes
// (spec.md §4.5).
type CommandKind int

const (
	CmdSubscribe CommandKind = iota
	CmdUnsubscribe
	CmdPublish
	CmdPeerInfo
	CmdDial
	CmdShutdown
)

func (k CommandKind) String() string {
	switch k {
	case CmdSubscribe:
		return "subscribe"
	case CmdUnsubscribe:
		return "unsubscribe"
	case CmdPublish:
		return "publish"
	case CmdPeerInfo:
		return "peer_info"
	case CmdDial:
		return "dial"
	case CmdShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Command is a single request into the swarm actor's mailbox. Reply is a
// single-shot channel the actor sends exactly one Reply into, then never
// touches again.
type Command struct {
	Kind    CommandKind
	Topic   string
	Payload []byte
	Addr    string
	Reply   chan Reply
}

// Reply is the one-shot response to a Command.
type Reply struct {
	Err  error
	Peer *PeerInfo
}

// PeerInfo answers a CmdPeerInfo command.
type PeerInfo struct {
	ID             string
	Addrs          []string
	ConnectedPeers int
}

// newCommand allocates a Command with its reply channel pre-built.
func newCommand(kind CommandKind) Command {
	return Command{Kind: kind, Reply: make(chan Reply, 1)}
}

// SubscribeCommand builds a Subscribe command.
func SubscribeCommand(topic string) Command {
	c := newCommand(CmdSubscribe)
	c.Topic = topic
	return c
}

// UnsubscribeCommand builds an Unsubscribe command.
func UnsubscribeCommand(topic string) Command {
	c := newCommand(CmdUnsubscribe)
	c.Topic = topic
	return c
}

// PublishCommand builds a Publish command.
func PublishCommand(topic string, payload []byte) Command {
	c := newCommand(CmdPublish)
	c.Topic = topic
	c.Payload = payload
	return c
}

// PeerInfoCommand builds a PeerInfo command.
func PeerInfoCommand() Command {
	return newCommand(CmdPeerInfo)
}

// DialCommand builds a Dial command.
func DialCommand(addr string) Command {
	c := newCommand(CmdDial)
	c.Addr = addr
	return c
}

// ShutdownCommand builds a Shutdown command.
func ShutdownCommand() Command {
	return newCommand(CmdShutdown)
}
