package p2p

import (
	"context"
	"time"
)

// DefaultCommandTimeout bounds how long a Commander waits for the swarm
// actor to reply to any single command.
const DefaultCommandTimeout = 5 * time.Second

// Commander is the thin, synchronous request-reply facade application
// code uses instead of touching the swarm actor's channels directly.
type Commander struct {
	cmdCh   chan<- Command
	timeout time.Duration
}

// NewCommander wraps a swarm's command mailbox.
func NewCommander(cmdCh chan<- Command) *Commander {
	return &Commander{cmdCh: cmdCh, timeout: DefaultCommandTimeout}
}

// WithTimeout returns a Commander that waits up to d for each reply.
func (c *Commander) WithTimeout(d time.Duration) *Commander {
	return &Commander{cmdCh: c.cmdCh, timeout: d}
}

func (c *Commander) send(ctx context.Context, cmd Command) (Reply, error) {
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	select {
	case c.cmdCh <- cmd:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-deadline.C:
		return Reply{}, ErrCommandTimeout
	}

	select {
	case reply := <-cmd.Reply:
		return reply, reply.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-deadline.C:
		return Reply{}, ErrCommandTimeout
	}
}

// Subscribe joins a gossipsub topic.
func (c *Commander) Subscribe(ctx context.Context, topic string) error {
	_, err := c.send(ctx, SubscribeCommand(topic))
	return err
}

// Unsubscribe leaves a gossipsub topic.
func (c *Commander) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.send(ctx, UnsubscribeCommand(topic))
	return err
}

// Publish sends payload to a gossipsub topic, joining it first if needed.
func (c *Commander) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := c.send(ctx, PublishCommand(topic, payload))
	return err
}

// PeerInfo reports this node's peer ID, listen addresses, and connected
// peer count.
func (c *Commander) PeerInfo(ctx context.Context) (*PeerInfo, error) {
	reply, err := c.send(ctx, PeerInfoCommand())
	if err != nil {
		return nil, err
	}
	return reply.Peer, nil
}

// Dial connects to a specific multiaddr, e.g. for manual peer seeding.
func (c *Commander) Dial(ctx context.Context, addr string) error {
	_, err := c.send(ctx, DialCommand(addr))
	return err
}

// Shutdown tells the swarm actor to close every subscription and the
// libp2p host, then stop. It blocks until the actor acknowledges.
func (c *Commander) Shutdown(ctx context.Context) error {
	_, err := c.send(ctx, ShutdownCommand())
	return err
}
