// Package heartbeat implements the ping/pong responder that reports this
// node's liveness and served-model set to anyone probing the network.
package heartbeat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/envelope"
	"github.com/dkn-network/compute-node/internal/logger"
	"github.com/dkn-network/compute-node/internal/metrics"
	"github.com/dkn-network/compute-node/modelregistry"
	"github.com/dkn-network/compute-node/p2p"
)

// WireVersion is the wire-major.minor this responder requires, matching
// task.WireVersion (pings/pongs and tasks/results share one wire version
// per spec.md §6's topic naming).
const WireVersion = "1.0"

// NodeVersion is reported in every pong; bumped alongside releases, not
// alongside wire-version changes.
const NodeVersion = "1.0.0"

// Ping is the plaintext payload carried by the pings/{version} topic.
type Ping struct {
	UUID            string   `json:"uuid"`
	Deadline        int64    `json:"deadline"` // unix seconds
	ModelsRequested []string `json:"models_requested,omitempty"`
}

// Pong is the plaintext payload published on pongs/{version}.
type Pong struct {
	UUID              string   `json:"uuid"`
	ResponderPubKey   string   `json:"responder_pub_key"`
	ModelsSupported   []string `json:"models_supported"`
	RunningTasksCount int32    `json:"running_tasks_count"`
	ServedCount       uint64   `json:"served_count"`
	Version           string   `json:"version"`
}

// InFlightCounter reports the current number of in-flight task
// executions; the supervisor's task registry satisfies this.
type InFlightCounter interface {
	Len() int
}

// Responder answers pings with a jittered, signed pong (spec.md §4.8).
type Responder struct {
	Identity  dknc.KeyPair
	Registry  *modelregistry.Registry
	InFlight  InFlightCounter
	Commander *p2p.Commander

	PongsTopic string
	MaxJitter  time.Duration // upper bound J on response jitter

	served atomic.Uint64
	log    logger.Logger
}

// NewResponder builds a Responder. maxJitter of 0 disables jitter
// (responds immediately).
func NewResponder(identity dknc.KeyPair, reg *modelregistry.Registry, inFlight InFlightCounter, cmd *p2p.Commander, pongsTopic string, maxJitter time.Duration) *Responder {
	return &Responder{
		Identity:   identity,
		Registry:   reg,
		InFlight:   inFlight,
		Commander:  cmd,
		PongsTopic: pongsTopic,
		MaxJitter:  maxJitter,
		log:        logger.GetDefaultLogger().WithFields(logger.String("component", "heartbeat")),
	}
}

// Handle processes one message from the pings topic. It checks the
// envelope's wire version and that it recovers to a real signer (a ping is
// self-signed by its sender, there is no admin-key requirement the way
// there is for tasks, so any recoverable signature is accepted), drops
// pings already past their own deadline, then schedules a jittered pong.
func (r *Responder) Handle(ctx context.Context, raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		r.log.Debug("malformed ping envelope", logger.Error(err))
		return
	}

	version, err := env.Version()
	if err != nil {
		r.log.Debug("malformed ping envelope", logger.Error(err))
		return
	}
	if err := envelope.CheckVersion(WireVersion, version); err != nil {
		metrics.GetGlobalCollector().RecordRejection(metrics.RejectVersionMismatch)
		r.log.Debug("ping version mismatch", logger.String("version", version))
		return
	}

	if _, err := env.RecoverSigner(); err != nil {
		r.log.Debug("ping signature does not recover", logger.Error(err))
		return
	}

	fields, err := env.Bytes()
	if err != nil {
		return
	}
	var ping Ping
	if err := json.Unmarshal(fields, &ping); err != nil {
		r.log.Debug("ping payload malformed")
		return
	}

	if ping.Deadline > 0 && time.Now().Unix() > ping.Deadline {
		r.log.Debug("ping past deadline", logger.String("uuid", ping.UUID))
		return
	}

	if r.MaxJitter > 0 {
		jitter := time.Duration(rand.Int63n(int64(r.MaxJitter)))
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	r.respond(ctx, ping.UUID)
}

func (r *Responder) respond(ctx context.Context, pingUUID string) {
	served := r.served.Add(1)
	metrics.GetGlobalCollector().RecordHeartbeat()

	pong := Pong{
		UUID:              pingUUID,
		ResponderPubKey:   hex.EncodeToString(r.Identity.CompressedPublicKey()),
		ModelsSupported:   r.Registry.Accepted(),
		RunningTasksCount: int32(r.InFlight.Len()),
		ServedCount:       served,
		Version:           NodeVersion,
	}

	env, err := envelope.Build(pong, WireVersion, r.Identity)
	if err != nil {
		r.log.Error("build pong envelope", logger.Error(err))
		return
	}
	wire, err := env.Bytes()
	if err != nil {
		r.log.Error("marshal pong envelope", logger.Error(err))
		return
	}
	if err := r.Commander.Publish(ctx, r.PongsTopic, wire); err != nil {
		r.log.Error("publish pong", logger.String("uuid", pingUUID), logger.Error(err))
	}
}
