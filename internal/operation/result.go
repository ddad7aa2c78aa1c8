package operation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/types"
)

// Result describes the effect of an applied operation. Each result variant
// shares the Kind of the operation that produced it.
type Result interface {
	Kind() Kind
	isResult()
}

type ContainerCreated struct {
	ContainerID string `json:"container_id"`
}

type ContainerStarted struct {
	ContainerID string `json:"container_id"`
}

type ContainerStopped struct {
	ContainerID string `json:"container_id"`
}

type ContainerScaled struct {
	ContainerID string `json:"container_id"`
	Replicas    uint32 `json:"replicas"`
}

type ResourcesUpdated struct {
	ContainerID string    `json:"container_id"`
	Resources   Resources `json:"resources"`
}

type SnapshotCreated struct {
	SnapshotID string `json:"snapshot_id"`
	SizeBytes  uint64 `json:"size_bytes"`
}

type SnapshotRestored struct {
	ContainerID string `json:"container_id"`
	SnapshotID  string `json:"snapshot_id"`
}

type ContainerMigrated struct {
	ContainerID string       `json:"container_id"`
	FromNode    types.NodeID `json:"from_node"`
	ToNode      types.NodeID `json:"to_node"`
}

type ContainerRemoved struct {
	ContainerID string `json:"container_id"`
}

type NetworkingUpdated struct {
	ContainerID string   `json:"container_id"`
	Endpoints   []string `json:"endpoints"`
}

type CommandExecuted struct {
	ExitCode int           `json:"exit_code"`
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

func (ContainerCreated) Kind() Kind  { return KindCreateContainer }
func (ContainerStarted) Kind() Kind  { return KindStartContainer }
func (ContainerStopped) Kind() Kind  { return KindStopContainer }
func (ContainerScaled) Kind() Kind   { return KindScaleContainer }
func (ResourcesUpdated) Kind() Kind  { return KindUpdateResources }
func (SnapshotCreated) Kind() Kind   { return KindCreateSnapshot }
func (SnapshotRestored) Kind() Kind  { return KindRestoreSnapshot }
func (ContainerMigrated) Kind() Kind { return KindMigrateContainer }
func (ContainerRemoved) Kind() Kind  { return KindRemoveContainer }
func (NetworkingUpdated) Kind() Kind { return KindUpdateNetworking }
func (CommandExecuted) Kind() Kind   { return KindExecuteCommand }

func (ContainerCreated) isResult()  {}
func (ContainerStarted) isResult()  {}
func (ContainerStopped) isResult()  {}
func (ContainerScaled) isResult()   {}
func (ResourcesUpdated) isResult()  {}
func (SnapshotCreated) isResult()   {}
func (SnapshotRestored) isResult()  {}
func (ContainerMigrated) isResult() {}
func (ContainerRemoved) isResult()  {}
func (NetworkingUpdated) isResult() {}
func (CommandExecuted) isResult()   {}

type resultEnvelope struct {
	Kind   Kind            `json:"kind"`
	Result json.RawMessage `json:"result"`
}

func EncodeResult(r Result) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("cannot encode nil result")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s result: %w", r.Kind(), err)
	}
	return json.Marshal(resultEnvelope{Kind: r.Kind(), Result: body})
}

func DecodeResult(data []byte) (Result, error) {
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result envelope: %w", err)
	}

	switch env.Kind {
	case KindCreateContainer:
		return decodeResultAs[ContainerCreated](env)
	case KindStartContainer:
		return decodeResultAs[ContainerStarted](env)
	case KindStopContainer:
		return decodeResultAs[ContainerStopped](env)
	case KindScaleContainer:
		return decodeResultAs[ContainerScaled](env)
	case KindUpdateResources:
		return decodeResultAs[ResourcesUpdated](env)
	case KindCreateSnapshot:
		return decodeResultAs[SnapshotCreated](env)
	case KindRestoreSnapshot:
		return decodeResultAs[SnapshotRestored](env)
	case KindMigrateContainer:
		return decodeResultAs[ContainerMigrated](env)
	case KindRemoveContainer:
		return decodeResultAs[ContainerRemoved](env)
	case KindUpdateNetworking:
		return decodeResultAs[NetworkingUpdated](env)
	case KindExecuteCommand:
		return decodeResultAs[CommandExecuted](env)
	default:
		return nil, fmt.Errorf("unknown result kind %q", env.Kind)
	}
}

func decodeResultAs[T Result](env resultEnvelope) (Result, error) {
	var r T
	if err := json.Unmarshal(env.Result, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s result: %w", env.Kind, err)
	}
	return r, nil
}
