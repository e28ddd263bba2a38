// Package supervisor composes the swarm actor, task handler, and
// heartbeat responder into a single running node (spec.md §4.9).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkn-network/compute-node/heartbeat"
	"github.com/dkn-network/compute-node/internal/logger"
	"github.com/dkn-network/compute-node/modelregistry"
	"github.com/dkn-network/compute-node/p2p"
	"github.com/dkn-network/compute-node/task"
)

// Topics names the four gossipsub topics a node subscribes to or
// publishes on (spec.md §6): tasks/{version}, results/{version},
// pings/{version}, pongs/{version}.
type Topics struct {
	Tasks   string
	Results string
	Pings   string
	Pongs   string
}

// InFlightRegistry tracks the gossip message IDs of the task messages
// currently being handled. The supervisor adds an ID before it spawns the
// worker goroutine, and that goroutine removes the ID when it returns.
type InFlightRegistry struct {
	mu    sync.Mutex
	tasks map[string]struct{}
}

// NewInFlightRegistry builds an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{tasks: make(map[string]struct{})}
}

func (r *InFlightRegistry) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = struct{}{}
}

func (r *InFlightRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Len implements heartbeat.InFlightCounter.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

var _ heartbeat.InFlightCounter = (*InFlightRegistry)(nil)

// Supervisor owns identity-derived components (through TaskHandler and
// Heartbeat, which already hold identity/admin key/registry) plus the
// swarm's command/event channels, the in-flight task registry, and
// drives the main event loop (spec.md §4.9). It depends on the swarm
// actor only through its Events/Done channels and a Commander, never the
// concrete *p2p.Swarm, so tests can drive it with plain channels instead
// of a real libp2p host.
type Supervisor struct {
	Events    <-chan p2p.GossipMessage
	Done      <-chan struct{}
	Commander *p2p.Commander

	TaskHandler *task.Handler
	Heartbeat   *heartbeat.Responder
	Registry    *modelregistry.Registry
	Topics      Topics

	// ShutdownGrace bounds how long Run waits for in-flight tasks to
	// finish after ctx is cancelled, before issuing Shutdown to the
	// swarm regardless (spec.md §4.9 step 3).
	ShutdownGrace time.Duration
	// RefreshInterval re-probes the model registry on a tick; zero
	// disables periodic re-probing (spec.md §4.9 step 1's "optional
	// re-probe").
	RefreshInterval time.Duration

	InFlight *InFlightRegistry

	log logger.Logger
	wg  sync.WaitGroup
}

// New builds a Supervisor ready for Run. events/done are normally
// swarm.Events()/swarm.Done() from a running *p2p.Swarm. inFlight must be
// the same registry passed to hb's InFlightCounter, so a served pong
// reports the same running-task count the supervisor is tracking.
func New(events <-chan p2p.GossipMessage, done <-chan struct{}, cmd *p2p.Commander, th *task.Handler, hb *heartbeat.Responder, reg *modelregistry.Registry, inFlight *InFlightRegistry, topics Topics, shutdownGrace, refreshInterval time.Duration) *Supervisor {
	return &Supervisor{
		Events:          events,
		Done:            done,
		Commander:       cmd,
		TaskHandler:     th,
		Heartbeat:       hb,
		Registry:        reg,
		Topics:          topics,
		ShutdownGrace:   shutdownGrace,
		RefreshInterval: refreshInterval,
		InFlight:        inFlight,
		log:             logger.GetDefaultLogger().WithFields(logger.String("component", "supervisor")),
	}
}

// Run subscribes to the tasks and pings topics, then drives the main
// loop until ctx is cancelled (graceful shutdown, returns nil) or the
// swarm actor's Done channel closes on its own (fatal, spec.md §7's
// SwarmFatal, supervisor shuts down with a non-zero exit code).
func (s *Supervisor) Run(ctx context.Context) error {
	for _, topic := range []string{s.Topics.Tasks, s.Topics.Pings} {
		if err := s.Commander.Subscribe(ctx, topic); err != nil {
			return fmt.Errorf("supervisor: subscribe %s: %w", topic, err)
		}
	}

	var refreshTick <-chan time.Time
	if s.RefreshInterval > 0 {
		ticker := time.NewTicker(s.RefreshInterval)
		defer ticker.Stop()
		refreshTick = ticker.C
	}

	peerLog := time.NewTicker(time.Minute)
	defer peerLog.Stop()

	return s.loop(ctx, s.Events, s.Done, refreshTick, peerLog.C)
}

func (s *Supervisor) loop(ctx context.Context, events <-chan p2p.GossipMessage, done <-chan struct{}, refreshTick, peerLogTick <-chan time.Time) error {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.dispatch(ctx, evt)

		case <-done:
			return fmt.Errorf("%s: swarm actor exited unexpectedly", logger.ErrCodeSwarmFatal)

		case <-refreshTick:
			s.Registry.Refresh(ctx)

		case <-peerLogTick:
			s.logPeerStatus(ctx)

		case <-ctx.Done():
			return s.shutdown()
		}
	}
}

func (s *Supervisor) logPeerStatus(ctx context.Context) {
	info, err := s.Commander.PeerInfo(ctx)
	if err != nil {
		return
	}
	s.log.Info("peer status",
		logger.Int("connected_peers", info.ConnectedPeers),
		logger.Int("in_flight_tasks", s.InFlight.Len()))
}

// dispatch demuxes one gossip event by topic and spawns a recovered
// per-task worker goroutine so the main loop stays responsive (spec.md
// §4.9 step 2).
func (s *Supervisor) dispatch(ctx context.Context, evt p2p.GossipMessage) {
	switch evt.Topic {
	case s.Topics.Tasks:
		s.spawnTask(ctx, evt)
	case s.Topics.Pings:
		s.spawnWorker("heartbeat", func() { s.Heartbeat.Handle(ctx, evt.Data) })
	default:
		s.log.Debug("event on unrecognized topic", logger.String("topic", evt.Topic))
	}
}

func (s *Supervisor) spawnTask(ctx context.Context, evt p2p.GossipMessage) {
	id := evt.MessageID
	s.InFlight.add(id)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.InFlight.remove(id)
		defer s.recoverPanic("task")
		s.TaskHandler.Handle(ctx, evt.Data)
	}()
}

func (s *Supervisor) spawnWorker(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic(name)
		fn()
	}()
}

// recoverPanic implements spec.md §4.9's "any panic in a per-task worker
// is caught and logged; it does not tear down the supervisor."
func (s *Supervisor) recoverPanic(worker string) {
	if r := recover(); r != nil {
		s.log.Error("worker panic recovered",
			logger.String("worker", worker),
			logger.Any("panic", r))
	}
}

// shutdown stops accepting new work (the caller's loop has already
// returned by the time this runs), waits up to ShutdownGrace for
// in-flight tasks to finish, then issues Shutdown to the swarm actor
// regardless (spec.md §4.9 step 3, §8 scenario 6).
func (s *Supervisor) shutdown() error {
	grace := s.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(grace):
		s.log.Warn("shutdown grace period elapsed with tasks still in flight",
			logger.Int("in_flight", s.InFlight.Len()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Commander.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("swarm shutdown command failed", logger.Error(err))
	}
	return nil
}
