package consensus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/signing"
	"github.com/witnz/quorum/internal/types"
)

type MessageType string

const (
	MsgRequest       MessageType = "request"
	MsgPrePrepare    MessageType = "pre_prepare"
	MsgPrepare       MessageType = "prepare"
	MsgCommit        MessageType = "commit"
	MsgViewChange    MessageType = "view_change"
	MsgNewView       MessageType = "new_view"
	MsgCheckpoint    MessageType = "checkpoint"
	MsgStateRequest  MessageType = "state_request"
	MsgStateResponse MessageType = "state_response"
)

// Envelope carries every consensus message on the wire. The signature
// covers type, sender, timestamp and payload.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Sender    types.NodeID    `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

type signedPart struct {
	Type      MessageType     `json:"type"`
	Sender    types.NodeID    `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Envelope) SigningBytes() []byte {
	data, _ := json.Marshal(signedPart{
		Type:      e.Type,
		Sender:    e.Sender,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	})
	return data
}

// ID identifies an envelope for duplicate detection.
func (e Envelope) ID() types.Digest {
	return hash.Sum(e.SigningBytes())
}

func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Verify checks the envelope signature against the sender's key.
func (e Envelope) Verify(v Verifier) error {
	return v.Verify(e.Sender, e.SigningBytes(), e.Signature)
}

func Seal(signer *signing.Signer, t MessageType, payload interface{}, now time.Time) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	env := Envelope{
		Type:      t,
		Sender:    signer.ID(),
		Timestamp: now.UTC(),
		Payload:   body,
	}
	sig, err := signer.Sign(env.SigningBytes())
	if err != nil {
		return Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

// ClientRequest asks the cluster to order one operation. ClientID is the
// operation's initiator and Sequence its operation id. A request ordered in
// a batch stamped after Deadline is skipped by every replica.
type ClientRequest struct {
	ClientID  types.NodeID    `json:"client_id"`
	Sequence  uint64          `json:"sequence"`
	Operation json.RawMessage `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
	Deadline  time.Time       `json:"deadline,omitempty"`
}

// ExpiredAt reports whether a batch stamped at t is too late for r.
func (r ClientRequest) ExpiredAt(t time.Time) bool {
	return !r.Deadline.IsZero() && t.After(r.Deadline)
}

// Batch is the unit of agreement. View is the view the batch was first
// proposed in and stays fixed across re-proposals, so every replica stores
// an identical log entry for the same sequence.
type Batch struct {
	View      uint64     `json:"view"`
	Timestamp time.Time  `json:"timestamp"`
	Requests  []Envelope `json:"requests"`
}

func (b Batch) Digest() (types.Digest, error) {
	return hash.Calculate(b)
}

func (b Batch) Encode() ([]byte, error) {
	return json.Marshal(b)
}

func (b Batch) has(key operation.Key) bool {
	for _, env := range b.Requests {
		if req, err := DecodeRequest(env); err == nil && req.Key() == key {
			return true
		}
	}
	return false
}

func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return b, nil
}

// DecodedRequest is a request from a committed batch with its operation
// decoded. Expired is set by DecodeEntry when the batch was stamped after
// the request deadline; such a request must not change any state.
type DecodedRequest struct {
	Envelope  Envelope
	Request   ClientRequest
	Operation operation.Operation
	Digest    types.Digest
	Expired   bool
}

func (d DecodedRequest) Key() operation.Key {
	return operation.KeyOf(d.Operation)
}

// DecodeRequest decodes a request envelope and checks that the request, its
// operation and the envelope sender agree.
func DecodeRequest(env Envelope) (DecodedRequest, error) {
	if env.Type != MsgRequest {
		return DecodedRequest{}, fmt.Errorf("expected %s envelope, got %s", MsgRequest, env.Type)
	}
	var req ClientRequest
	if err := env.Decode(&req); err != nil {
		return DecodedRequest{}, err
	}
	op, err := operation.Decode(req.Operation)
	if err != nil {
		return DecodedRequest{}, err
	}
	meta := op.Meta()
	if req.ClientID != env.Sender || meta.Initiator != env.Sender {
		return DecodedRequest{}, fmt.Errorf("request from %s carries initiator %s", env.Sender.Short(), meta.Initiator.Short())
	}
	if meta.OperationID != req.Sequence {
		return DecodedRequest{}, fmt.Errorf("request sequence %d does not match operation id %d", req.Sequence, meta.OperationID)
	}
	digest, err := operation.Digest(op)
	if err != nil {
		return DecodedRequest{}, err
	}
	return DecodedRequest{Envelope: env, Request: req, Operation: op, Digest: digest}, nil
}

// DecodeEntry returns the requests of a committed log entry.
func DecodeEntry(e replog.Entry) ([]DecodedRequest, error) {
	batch, err := DecodeBatch(e.Data)
	if err != nil {
		return nil, err
	}
	out := make([]DecodedRequest, 0, len(batch.Requests))
	for _, env := range batch.Requests {
		d, err := DecodeRequest(env)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.Index, err)
		}
		d.Expired = d.Request.ExpiredAt(batch.Timestamp)
		out = append(out, d)
	}
	return out, nil
}

type PrePrepare struct {
	View   uint64       `json:"view"`
	Seq    uint64       `json:"seq"`
	Digest types.Digest `json:"digest"`
	Batch  Batch        `json:"batch"`
}

// Vote is the payload of Prepare and Commit messages.
type Vote struct {
	View   uint64       `json:"view"`
	Seq    uint64       `json:"seq"`
	Digest types.Digest `json:"digest"`
}

type Checkpoint struct {
	Seq    uint64       `json:"seq"`
	Digest types.Digest `json:"digest"`
}

// CheckpointCert is a stable checkpoint with the signed messages proving it.
type CheckpointCert struct {
	Seq    uint64       `json:"seq"`
	Digest types.Digest `json:"digest"`
	Proof  []Envelope   `json:"proof,omitempty"`
}

// PreparedProof shows that a batch was prepared: the pre-prepare and 2f
// matching signed prepares from distinct backups.
type PreparedProof struct {
	PrePrepare PrePrepare `json:"pre_prepare"`
	Prepares   []Envelope `json:"prepares"`
}

type ViewChange struct {
	NewView  uint64          `json:"new_view"`
	Stable   CheckpointCert  `json:"stable"`
	Prepared []PreparedProof `json:"prepared,omitempty"`
}

type NewView struct {
	View        uint64       `json:"view"`
	ViewChanges []Envelope   `json:"view_changes"`
	PrePrepares []PrePrepare `json:"pre_prepares"`
}

// StateRequest asks a peer for the entries in [From, To]. A zero To asks
// for everything up to the peer's stable checkpoint.
type StateRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type StateResponse struct {
	From          uint64         `json:"from"`
	Snapshot      []byte         `json:"snapshot,omitempty"`
	SnapshotIndex uint64         `json:"snapshot_index,omitempty"`
	SnapshotTerm  uint64         `json:"snapshot_term,omitempty"`
	Entries       []replog.Entry `json:"entries"`
	Stable        CheckpointCert `json:"stable"`
}
