// Package task implements the state machine that turns a verified gossipsub
// message on the tasks topic into a published TaskResponse.
package task

import "encoding/json"

// WireVersion is the wire-major.minor this node requires; a task envelope
// whose declared version is incompatible is dropped with version_mismatch.
const WireVersion = "1.0"

// BroadcastSentinel is the recipient_pub_key value meaning "any capable
// node may serve this task" (spec.md §9 open question, decided empty
// string in DESIGN.md).
const BroadcastSentinel = ""

// Request is the plaintext payload carried by the tasks/{version} topic,
// decoded from an envelope.
type Request struct {
	TaskID          string `json:"task_id"`
	RecipientPubKey string `json:"recipient_pub_key"`
	Model           string `json:"model"`
	Ciphertext      string `json:"ciphertext"` // hex-encoded ECIES blob
	Deadline        int64  `json:"deadline"`   // unix seconds
}

// Response is the plaintext payload published on results/{version}.
type Response struct {
	TaskID          string `json:"task_id"`
	ResponderPubKey string `json:"responder_pub_key"`
	Ciphertext      string `json:"ciphertext"` // hex-encoded ECIES blob
}

// workflowEntry is the plaintext a task's ciphertext decrypts to: an
// opaque workflow document, the entry value it operates on, and the
// requester's public key to encrypt the response to (spec.md §3's
// TaskResponse note that the response is "ECIES to the requester's public
// key carried inside the request" — carried here in the decrypted
// plaintext rather than the signed envelope, since only the requester,
// not the admin, needs to be able to set it).
type workflowEntry struct {
	Workflow        json.RawMessage `json:"workflow"`
	Entry           string          `json:"entry"`
	RequesterPubKey string          `json:"requester_pub_key"`
}

// outputPlaintext is what gets re-encrypted to the requester on success.
type outputPlaintext struct {
	Output string `json:"output"`
}

// errorPlaintext is what gets re-encrypted to the requester when the
// executor fails after decryption — the envelope shape is unchanged, only
// the plaintext discriminates on an "error" field (spec.md §4.7).
type errorPlaintext struct {
	Error string `json:"error"`
}
