package supervisor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/crypto/keys"
	"github.com/dkn-network/compute-node/envelope"
	"github.com/dkn-network/compute-node/executor"
	"github.com/dkn-network/compute-node/heartbeat"
	"github.com/dkn-network/compute-node/modelregistry"
	"github.com/dkn-network/compute-node/p2p"
	"github.com/dkn-network/compute-node/task"
)

type alwaysOKProber struct{}

func (alwaysOKProber) Probe(ctx context.Context, modelID string, provider modelregistry.Provider) error {
	return nil
}

// fakeActor answers every command like the real swarm actor and records
// every Publish payload it sees, without ever touching libp2p.
func fakeActor(cmdCh <-chan p2p.Command, published chan<- p2p.Command) {
	for cmd := range cmdCh {
		if cmd.Kind == p2p.CmdPublish {
			published <- cmd
		}
		reply := p2p.Reply{}
		if cmd.Kind == p2p.CmdPeerInfo {
			reply.Peer = &p2p.PeerInfo{ID: "self", ConnectedPeers: 0}
		}
		cmd.Reply <- reply
	}
}

type testEnv struct {
	sup        *Supervisor
	identity   dknc.KeyPair
	admin      dknc.KeyPair
	events     chan p2p.GossipMessage
	done       chan struct{}
	published  chan p2p.Command
	cancelFunc context.CancelFunc
}

func newTestEnv(t *testing.T, model string) *testEnv {
	t.Helper()

	identity, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)
	admin, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)

	reg, err := modelregistry.Build(context.Background(), []string{model}, alwaysOKProber{})
	require.NoError(t, err)

	cmdCh := make(chan p2p.Command)
	published := make(chan p2p.Command, 8)
	go fakeActor(cmdCh, published)
	cmd := p2p.NewCommander(cmdCh)

	th := task.NewHandler(identity, admin, reg, executor.NewPassthroughExecutor(model),
		task.NewDedupeCache(time.Minute), cmd, "results/1.0", 4, "reject", 50*time.Millisecond, time.Second)
	t.Cleanup(th.Dedupe.Close)

	inFlight := NewInFlightRegistry()
	hb := heartbeat.NewResponder(identity, reg, inFlight, cmd, "pongs/1.0", 0)

	events := make(chan p2p.GossipMessage, 8)
	done := make(chan struct{})

	sup := New(events, done, cmd, th, hb, reg, inFlight,
		Topics{Tasks: "tasks/1.0", Results: "results/1.0", Pings: "pings/1.0", Pongs: "pongs/1.0"},
		100*time.Millisecond, 0)

	return &testEnv{sup: sup, identity: identity, admin: admin, events: events, done: done, published: published}
}

func signedTaskRaw(t *testing.T, admin, recipientNode dknc.KeyPair, taskID, model, requesterPubHex string, deadline int64) []byte {
	t.Helper()
	plain, err := json.Marshal(struct {
		Workflow        json.RawMessage `json:"workflow"`
		Entry           string          `json:"entry"`
		RequesterPubKey string          `json:"requester_pub_key"`
	}{json.RawMessage(`{"type":"echo"}`), "Hello", requesterPubHex})
	require.NoError(t, err)

	ciphertext, err := dknc.Encrypt(recipientNode.CompressedPublicKey(), plain)
	require.NoError(t, err)

	req := task.Request{
		TaskID:          taskID,
		RecipientPubKey: hex.EncodeToString(recipientNode.CompressedPublicKey()),
		Model:           model,
		Ciphertext:      hex.EncodeToString(ciphertext),
		Deadline:        deadline,
	}
	env, err := envelope.Build(req, task.WireVersion, admin)
	require.NoError(t, err)
	raw, err := env.Bytes()
	require.NoError(t, err)
	return raw
}

func signedPingRaw(t *testing.T, sender dknc.KeyPair, uuid string, deadline int64) []byte {
	t.Helper()
	env, err := envelope.Build(heartbeat.Ping{UUID: uuid, Deadline: deadline}, heartbeat.WireVersion, sender)
	require.NoError(t, err)
	raw, err := env.Bytes()
	require.NoError(t, err)
	return raw
}

func TestRunDispatchesTaskEventAndShutsDownGracefully(t *testing.T) {
	env := newTestEnv(t, "phi3:3.8b")
	myKey := hex.EncodeToString(env.identity.CompressedPublicKey())
	raw := signedTaskRaw(t, env.admin, env.identity, "T1", "phi3:3.8b", myKey, time.Now().Add(time.Minute).Unix())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- env.sup.Run(ctx) }()

	env.events <- p2p.GossipMessage{Topic: "tasks/1.0", Data: raw, MessageID: "m1"}

	select {
	case <-env.published:
	case <-time.After(time.Second):
		t.Fatal("expected a published task response")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunDispatchesPingEvent(t *testing.T) {
	env := newTestEnv(t, "phi3:3.8b")
	sender, err := keys.GenerateSecp256k1KeyPair()
	require.NoError(t, err)
	raw := signedPingRaw(t, sender, "ping-1", time.Now().Add(time.Minute).Unix())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sup.Run(ctx)

	env.events <- p2p.GossipMessage{Topic: "pings/1.0", Data: raw, MessageID: "p1"}

	select {
	case cmd := <-env.published:
		assert.Equal(t, "pongs/1.0", cmd.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected a published pong")
	}
}

func TestRunReturnsSwarmFatalWhenDoneCloses(t *testing.T) {
	env := newTestEnv(t, "phi3:3.8b")

	runErr := make(chan error, 1)
	go func() { runErr <- env.sup.Run(context.Background()) }()

	close(env.done)

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after swarm Done closed")
	}
}

func TestInFlightRegistryTracksAddAndRemove(t *testing.T) {
	r := NewInFlightRegistry()
	assert.Equal(t, 0, r.Len())
	r.add("a")
	r.add("b")
	assert.Equal(t, 2, r.Len())
	r.remove("a")
	assert.Equal(t, 1, r.Len())
}

func TestRunIgnoresUnrecognizedTopic(t *testing.T) {
	env := newTestEnv(t, "phi3:3.8b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sup.Run(ctx)

	env.events <- p2p.GossipMessage{Topic: "unexpected/1.0", Data: []byte("x"), MessageID: "u1"}

	select {
	case <-env.published:
		t.Fatal("expected no publish for an unrecognized topic")
	case <-time.After(100 * time.Millisecond):
	}
}
