package operation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/types"
)

type envelope struct {
	Kind      Kind            `json:"kind"`
	Operation json.RawMessage `json:"operation"`
}

// Encode returns the canonical encoding of op. Digests and log entries are
// computed from these bytes.
func Encode(op Operation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("cannot encode nil operation")
	}
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s operation: %w", op.Kind(), err)
	}
	return json.Marshal(envelope{Kind: op.Kind(), Operation: body})
}

func Decode(data []byte) (Operation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation envelope: %w", err)
	}

	switch env.Kind {
	case KindCreateContainer:
		return decodeAs[CreateContainer](env)
	case KindStartContainer:
		return decodeAs[StartContainer](env)
	case KindStopContainer:
		return decodeAs[StopContainer](env)
	case KindScaleContainer:
		return decodeAs[ScaleContainer](env)
	case KindUpdateResources:
		return decodeAs[UpdateResources](env)
	case KindCreateSnapshot:
		return decodeAs[CreateSnapshot](env)
	case KindRestoreSnapshot:
		return decodeAs[RestoreSnapshot](env)
	case KindMigrateContainer:
		return decodeAs[MigrateContainer](env)
	case KindRemoveContainer:
		return decodeAs[RemoveContainer](env)
	case KindUpdateNetworking:
		return decodeAs[UpdateNetworking](env)
	case KindExecuteCommand:
		return decodeAs[ExecuteCommand](env)
	default:
		return nil, fmt.Errorf("unknown operation kind %q", env.Kind)
	}
}

func decodeAs[T Operation](env envelope) (Operation, error) {
	var op T
	if err := json.Unmarshal(env.Operation, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s operation: %w", env.Kind, err)
	}
	return op, nil
}

// Digest hashes every field of op, so two replicas holding equal operations
// always agree and any field change yields a different digest.
func Digest(op Operation) (types.Digest, error) {
	data, err := Encode(op)
	if err != nil {
		return types.Digest{}, err
	}
	return hash.Sum(data), nil
}

// ContainerIDFor derives the id of a container created by the operation with
// the given digest. Every replica assigns the same id.
func ContainerIDFor(d types.Digest) string {
	return "ctr-" + hex.EncodeToString(d[:6])
}
