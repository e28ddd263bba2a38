package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/crypto/keys"
	"github.com/dkn-network/compute-node/internal/logger"
	"github.com/dkn-network/compute-node/internal/metrics"
)

// mdnsServiceTag namespaces this node's mDNS discovery from any other
// libp2p application on the same local network.
const mdnsServiceTag = "dknode-compute"

// Config configures swarm construction (spec.md §4.5, §6).
type Config struct {
	ListenAddr      string
	RelayNodes      []string
	BootstrapNodes  []string
	EventBufferSize int
	Backpressure    BackpressurePolicy
}

// Swarm owns the libp2p host and every libp2p-facing goroutine. Nothing
// outside this package ever touches h, ps, or kdht directly; interaction
// is exclusively through Commands()/Events() (spec.md §9).
type Swarm struct {
	h    host.Host
	ps   *pubsub.PubSub
	kdht *dht.IpfsDHT

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	cmdCh   chan Command
	eventCh chan GossipMessage

	backpressure BackpressurePolicy
	log          logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a libp2p host (gossipsub, Kademlia DHT, identify, mDNS,
// autonat, dcutr, relay client, ping — all libp2p.New defaults or
// explicit options below) bound to identity's key material, dials the
// configured relay/bootstrap addresses, and returns a Swarm ready for
// Run. It does not start the swarm actor goroutine; call Run for that.
func New(ctx context.Context, identity dknc.KeyPair, cfg Config) (*Swarm, error) {
	priv, err := libp2pIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("p2p: derive libp2p identity: %w", err)
	}

	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
		libp2p.EnableRelay(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
		libp2p.Ping(true),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: construct host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: construct gossipsub: %w", err)
	}

	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: construct dht: %w", err)
	}

	swarmCtx, cancel := context.WithCancel(ctx)

	s := &Swarm{
		h:            h,
		ps:           ps,
		kdht:         kdht,
		topics:       make(map[string]*pubsub.Topic),
		subs:         make(map[string]*pubsub.Subscription),
		cmdCh:        make(chan Command, 64),
		eventCh:      make(chan GossipMessage, cfg.EventBufferSize),
		backpressure: cfg.Backpressure,
		log:          logger.GetDefaultLogger().WithFields(logger.String("component", "p2p")),
		ctx:          swarmCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	if err := s.dialAll(swarmCtx, cfg.RelayNodes); err != nil {
		s.log.Warn("failed to dial a relay node", logger.Error(err))
	}
	if err := s.dialAll(swarmCtx, cfg.BootstrapNodes); err != nil {
		s.log.Warn("failed to dial a bootstrap node", logger.Error(err))
	}
	if err := kdht.Bootstrap(swarmCtx); err != nil {
		s.log.Warn("dht bootstrap failed", logger.Error(err))
	}

	mdnsService := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{h: h, log: s.log})
	if err := mdnsService.Start(); err != nil {
		s.log.Warn("mdns discovery failed to start", logger.Error(err))
	}

	return s, nil
}

// libp2pIdentity derives a libp2p secp256k1 private key from the node's
// own identity, so the on-wire peer ID and the payload-signing key are
// bound to the same secret (spec.md §3).
func libp2pIdentity(identity dknc.KeyPair) (libp2pcrypto.PrivKey, error) {
	raw, err := keys.RawSecret(identity)
	if err != nil {
		return nil, err
	}
	return libp2pcrypto.UnmarshalSecp256k1PrivateKey(raw)
}

func (s *Swarm) dialAll(ctx context.Context, addrs []string) error {
	var firstErr error
	for _, addrStr := range addrs {
		addr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.h.Connect(dialCtx, *info)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mdnsNotifee connects discovered local peers automatically.
type mdnsNotifee struct {
	h   host.Host
	log logger.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debug("mdns peer dial failed", logger.String("peer", pi.ID.String()), logger.Error(err))
	}
}

// Commands returns the send-only command mailbox.
func (s *Swarm) Commands() chan<- Command { return s.cmdCh }

// Events returns the receive-only event channel.
func (s *Swarm) Events() <-chan GossipMessage { return s.eventCh }

// Done is closed once the swarm actor's Run loop has returned.
func (s *Swarm) Done() <-chan struct{} { return s.done }

// Run is the swarm actor's event loop. It owns every libp2p interaction
// and must run in its own goroutine; it returns when its context is
// cancelled or a Shutdown command is processed.
func (s *Swarm) Run() {
	defer close(s.done)
	defer s.closeAll()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmdCh:
			if s.handle(cmd) {
				return
			}
		}
	}
}

// handle processes one command and returns true if the actor should
// stop after this command (i.e. it was a Shutdown).
func (s *Swarm) handle(cmd Command) (stop bool) {
	switch cmd.Kind {
	case CmdSubscribe:
		cmd.Reply <- Reply{Err: s.subscribe(cmd.Topic)}
	case CmdUnsubscribe:
		s.unsubscribe(cmd.Topic)
		cmd.Reply <- Reply{}
	case CmdPublish:
		cmd.Reply <- Reply{Err: s.publish(cmd.Topic, cmd.Payload)}
	case CmdPeerInfo:
		cmd.Reply <- Reply{Peer: s.peerInfo()}
	case CmdDial:
		cmd.Reply <- Reply{Err: s.dialAll(s.ctx, []string{cmd.Addr})}
	case CmdShutdown:
		cmd.Reply <- Reply{}
		s.cancel()
		return true
	}
	return false
}

func (s *Swarm) subscribe(topicName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[topicName]; ok {
		return nil
	}

	topic, err := s.ps.Join(topicName)
	if err != nil {
		return fmt.Errorf("join topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe topic %s: %w", topicName, err)
	}

	s.topics[topicName] = topic
	s.subs[topicName] = sub
	go s.relay(topicName, sub)
	return nil
}

func (s *Swarm) unsubscribe(topicName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[topicName]; ok {
		sub.Cancel()
		delete(s.subs, topicName)
	}
	if topic, ok := s.topics[topicName]; ok {
		topic.Close()
		delete(s.topics, topicName)
	}
}

func (s *Swarm) publish(topicName string, payload []byte) error {
	s.mu.Lock()
	topic, ok := s.topics[topicName]
	s.mu.Unlock()

	if !ok {
		// gossipsub policy: a publisher must also be a subscriber.
		if err := s.subscribe(topicName); err != nil {
			return err
		}
		s.mu.Lock()
		topic = s.topics[topicName]
		s.mu.Unlock()
	}
	return topic.Publish(s.ctx, payload)
}

func (s *Swarm) peerInfo() *PeerInfo {
	addrs := make([]string, 0, len(s.h.Addrs()))
	for _, a := range s.h.Addrs() {
		addrs = append(addrs, a.String())
	}
	return &PeerInfo{
		ID:             s.h.ID().String(),
		Addrs:          addrs,
		ConnectedPeers: len(s.h.Network().Peers()),
	}
}

// relay forwards messages from one gossipsub subscription onto the
// shared event channel, applying the configured backpressure policy.
func (s *Swarm) relay(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(s.ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		if msg.ReceivedFrom == s.h.ID() {
			continue
		}

		evt := GossipMessage{
			Topic:             topicName,
			Data:              msg.Data,
			PropagationSource: msg.ReceivedFrom.String(),
			MessageID:         msg.ID,
		}
		s.deliver(evt)
	}
}

func (s *Swarm) deliver(evt GossipMessage) {
	switch s.backpressure {
	case BlockBriefly:
		select {
		case s.eventCh <- evt:
		case <-time.After(200 * time.Millisecond):
			metrics.GetGlobalCollector().RecordRejection(metrics.RejectBusy)
		case <-s.ctx.Done():
		}
	default: // DropOldest
		select {
		case s.eventCh <- evt:
		default:
			select {
			case <-s.eventCh:
			default:
			}
			select {
			case s.eventCh <- evt:
			default:
			}
			metrics.GetGlobalCollector().RecordRejection(metrics.RejectBusy)
		}
	}
}

func (s *Swarm) closeAll() {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Cancel()
	}
	for _, topic := range s.topics {
		topic.Close()
	}
	s.mu.Unlock()

	drainPending(s.cmdCh)
	s.kdht.Close()
	s.h.Close()
}

// drainPending replies ErrShuttingDown to any command left in the
// mailbox so no caller blocks forever on a reply that will never come.
func drainPending(cmdCh chan Command) {
	for {
		select {
		case cmd := <-cmdCh:
			cmd.Reply <- Reply{Err: ErrShuttingDown}
		default:
			return
		}
	}
}
