package task

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/crypto/keys"
	"github.com/dkn-network/compute-node/envelope"
	"github.com/dkn-network/compute-node/executor"
	"github.com/dkn-network/compute-node/internal/logger"
	"github.com/dkn-network/compute-node/internal/metrics"
	"github.com/dkn-network/compute-node/modelregistry"
	"github.com/dkn-network/compute-node/p2p"
)

// Errors a Handler can terminate a message on. Each maps to exactly one of
// spec.md §7's error kinds and one of internal/metrics's reject reasons.
var (
	ErrVersionMismatch = envelope.ErrVersionMismatch
	ErrBadEnvelope     = dknc.ErrBadSignature
	ErrNotForMe        = fmt.Errorf("%s: recipient does not match this node", logger.ErrCodeNotForMe)
	ErrModelNotServed  = fmt.Errorf("%s: model is not in the accepted set", logger.ErrCodeModelNotServed)
	ErrBusy            = fmt.Errorf("%s: execution slots saturated", logger.ErrCodeBusy)
	ErrDuplicate       = fmt.Errorf("task: duplicate task_id within dedupe window")
	ErrExpired         = fmt.Errorf("task: deadline already passed")
)

// Handler implements the RECEIVED -> ... -> PUBLISHED state machine of
// spec.md §4.7 for a single incoming tasks/{version} message.
type Handler struct {
	Identity  dknc.KeyPair
	AdminKey  dknc.KeyPair
	Registry  *modelregistry.Registry
	Executor  executor.Executor
	Dedupe    *DedupeCache
	Commander *p2p.Commander

	ResultsTopic string
	QueuePolicy  string // "reject" or "defer"
	QueueWait    time.Duration
	HardDeadline time.Duration // upper bound on a single execution, regardless of task deadline

	sem chan struct{}

	Collector *metrics.MetricsCollector
	Log       logger.Logger
}

// NewHandler wires a Handler with an execution semaphore sized to
// batchSize (spec.md §5's execution semaphore).
func NewHandler(identity, adminKey dknc.KeyPair, reg *modelregistry.Registry, exec executor.Executor, dedupe *DedupeCache, cmd *p2p.Commander, resultsTopic string, batchSize int, queuePolicy string, queueWait, hardDeadline time.Duration) *Handler {
	return &Handler{
		Identity:     identity,
		AdminKey:     adminKey,
		Registry:     reg,
		Executor:     exec,
		Dedupe:       dedupe,
		Commander:    cmd,
		ResultsTopic: resultsTopic,
		QueuePolicy:  queuePolicy,
		QueueWait:    queueWait,
		HardDeadline: hardDeadline,
		sem:          make(chan struct{}, batchSize),
		Collector:    metrics.GetGlobalCollector(),
		Log:          logger.GetDefaultLogger().WithFields(logger.String("component", "task")),
	}
}

// Handle runs one message from the tasks topic through the full state
// machine. It never returns an error the caller must act on beyond
// logging; every terminal outcome (publish, drop, error response) is
// handled internally, matching spec.md §7's "contained at the message or
// task boundary" policy.
func (h *Handler) Handle(ctx context.Context, raw []byte) {
	h.Collector.RecordReceived()

	env, err := envelope.Parse(raw)
	if err != nil {
		h.Collector.RecordRejection(metrics.RejectBadEnvelope)
		h.Log.Debug("malformed envelope", logger.Error(err))
		return
	}

	// RECEIVED -> VERSION_OK
	version, err := env.Version()
	if err != nil {
		h.Collector.RecordRejection(metrics.RejectBadEnvelope)
		return
	}
	if err := envelope.CheckVersion(WireVersion, version); err != nil {
		h.Collector.RecordRejection(metrics.RejectVersionMismatch)
		h.Log.Debug("version mismatch", logger.String("version", version))
		return
	}

	// VERSION_OK -> ENVELOPE_VERIFIED
	if err := env.VerifySignedBy(h.AdminKey); err != nil {
		h.Collector.RecordRejection(metrics.RejectBadEnvelope)
		h.Log.Debug("signature does not recover to admin key", logger.Error(err))
		return
	}

	fields, err := env.Bytes()
	if err != nil {
		h.Collector.RecordRejection(metrics.RejectBadEnvelope)
		return
	}
	var req Request
	if err := json.Unmarshal(fields, &req); err != nil {
		h.Collector.RecordRejection(metrics.RejectBadEnvelope)
		return
	}

	if req.Deadline > 0 && time.Now().Unix() > req.Deadline {
		h.Log.Debug("task past deadline", logger.String("task_id", req.TaskID))
		return
	}

	// ENVELOPE_VERIFIED -> RECIPIENT_MATCHED
	myKey := hex.EncodeToString(h.Identity.CompressedPublicKey())
	if req.RecipientPubKey != myKey && req.RecipientPubKey != BroadcastSentinel {
		h.Collector.RecordRejection(metrics.RejectNotForMe)
		return
	}

	if h.Dedupe.Seen(req.TaskID) {
		h.Collector.RecordRejection(metrics.RejectDuplicate)
		return
	}

	// RECIPIENT_MATCHED -> MODEL_ACCEPTED
	if !h.Registry.IsAccepted(req.Model) {
		h.Collector.RecordRejection(metrics.RejectModelUnsupported)
		h.Log.Debug("model not served", logger.String("model", req.Model))
		return
	}

	// MODEL_ACCEPTED -> DECRYPTED
	secret, err := keys.RawSecret(h.Identity)
	if err != nil {
		h.Log.Error("no identity secret available", logger.Error(err))
		return
	}
	ciphertext, err := hex.DecodeString(req.Ciphertext)
	if err != nil {
		h.Log.Debug("ciphertext is not hex", logger.String("task_id", req.TaskID))
		return
	}
	plaintext, err := dknc.Decrypt(secret, ciphertext)
	if err != nil {
		h.Log.Debug("decrypt failed", logger.String("task_id", req.TaskID), logger.Error(err))
		return
	}
	var we workflowEntry
	if err := json.Unmarshal(plaintext, &we); err != nil {
		h.Log.Debug("workflow plaintext malformed", logger.String("task_id", req.TaskID))
		return
	}

	// DECRYPTED -> EXECUTING
	if !h.acquire(ctx) {
		h.Collector.RecordRejection(metrics.RejectBusy)
		return
	}
	defer func() { <-h.sem }()

	h.Collector.RecordAccepted()

	execCtx, cancel := context.WithTimeout(ctx, h.executionDeadline(req.Deadline))
	defer cancel()

	start := time.Now()
	output, execErr := h.Executor.Execute(execCtx, executor.WorkflowDoc(we.Workflow), we.Entry, req.Model)
	h.Collector.RecordExecution(execErr == nil, time.Since(start))

	// EXECUTING -> PUBLISHED
	if execErr != nil {
		h.publishError(ctx, req.TaskID, we.RequesterPubKey, execErr)
		return
	}
	h.publishSuccess(ctx, req.TaskID, we.RequesterPubKey, string(output))
}

// acquire takes a slot from the execution semaphore, honoring QueuePolicy
// when saturated (spec.md §4.7's DECRYPTED -> EXECUTING transition).
func (h *Handler) acquire(ctx context.Context) bool {
	select {
	case h.sem <- struct{}{}:
		return true
	default:
	}

	if h.QueuePolicy != "defer" {
		return false
	}

	wait := h.QueueWait
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case h.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Handler) executionDeadline(taskDeadlineUnix int64) time.Duration {
	hard := h.HardDeadline
	if hard <= 0 {
		hard = 5 * time.Minute
	}
	if taskDeadlineUnix <= 0 {
		return hard
	}
	remaining := time.Until(time.Unix(taskDeadlineUnix, 0))
	if remaining <= 0 {
		return 0
	}
	if remaining < hard {
		return remaining
	}
	return hard
}

func (h *Handler) publishSuccess(ctx context.Context, taskID, requesterPubKeyHex, output string) {
	h.publishResult(ctx, taskID, requesterPubKeyHex, outputPlaintext{Output: output})
}

func (h *Handler) publishError(ctx context.Context, taskID, requesterPubKeyHex string, execErr error) {
	h.Log.Warn("executor error", logger.String("task_id", taskID), logger.Error(execErr))
	h.publishResult(ctx, taskID, requesterPubKeyHex, errorPlaintext{Error: execErr.Error()})
}

func (h *Handler) publishResult(ctx context.Context, taskID, requesterPubKeyHex string, body interface{}) {
	if requesterPubKeyHex == "" {
		h.Log.Warn("no requester public key to respond to", logger.String("task_id", taskID))
		return
	}
	requesterPub, err := hex.DecodeString(requesterPubKeyHex)
	if err != nil {
		h.Log.Warn("requester public key is not hex", logger.String("task_id", taskID))
		return
	}

	plaintext, err := json.Marshal(body)
	if err != nil {
		h.Log.Error("marshal result plaintext", logger.Error(err))
		return
	}
	ciphertext, err := dknc.Encrypt(requesterPub, plaintext)
	if err != nil {
		h.Log.Error("encrypt result", logger.String("task_id", taskID), logger.Error(err))
		return
	}

	resp := Response{
		TaskID:          taskID,
		ResponderPubKey: hex.EncodeToString(h.Identity.CompressedPublicKey()),
		Ciphertext:      hex.EncodeToString(ciphertext),
	}
	env, err := envelope.Build(resp, WireVersion, h.Identity)
	if err != nil {
		h.Log.Error("build response envelope", logger.Error(err))
		return
	}
	wire, err := env.Bytes()
	if err != nil {
		h.Log.Error("marshal response envelope", logger.Error(err))
		return
	}

	if err := h.Commander.Publish(ctx, h.ResultsTopic, wire); err != nil {
		h.Log.Error("publish response", logger.String("task_id", taskID), logger.Error(err))
	}
}
