package operation

import (
	"strconv"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type Kind string

const (
	KindCreateContainer  Kind = "CREATE_CONTAINER"
	KindStartContainer   Kind = "START_CONTAINER"
	KindStopContainer    Kind = "STOP_CONTAINER"
	KindScaleContainer   Kind = "SCALE_CONTAINER"
	KindUpdateResources  Kind = "UPDATE_RESOURCES"
	KindCreateSnapshot   Kind = "CREATE_SNAPSHOT"
	KindRestoreSnapshot  Kind = "RESTORE_SNAPSHOT"
	KindMigrateContainer Kind = "MIGRATE_CONTAINER"
	KindRemoveContainer  Kind = "REMOVE_CONTAINER"
	KindUpdateNetworking Kind = "UPDATE_NETWORKING"
	KindExecuteCommand   Kind = "EXECUTE_COMMAND"
)

// Kinds lists every operation kind in declaration order.
var Kinds = []Kind{
	KindCreateContainer,
	KindStartContainer,
	KindStopContainer,
	KindScaleContainer,
	KindUpdateResources,
	KindCreateSnapshot,
	KindRestoreSnapshot,
	KindMigrateContainer,
	KindRemoveContainer,
	KindUpdateNetworking,
	KindExecuteCommand,
}

// Header carries the fields shared by every operation.
type Header struct {
	OperationID uint64       `json:"operation_id"`
	Initiator   types.NodeID `json:"initiator"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Key identifies an operation for idempotence checks. Operation ids are only
// unique per initiator.
type Key struct {
	Initiator   types.NodeID `json:"initiator"`
	OperationID uint64       `json:"operation_id"`
}

func (k Key) String() string {
	return k.Initiator.Short() + "/" + strconv.FormatUint(k.OperationID, 10)
}

// Operation is the closed set of container operations replicated by the
// cluster. Only types in this package implement it.
type Operation interface {
	Kind() Kind
	Meta() Header
	isOperation()
}

func KeyOf(op Operation) Key {
	h := op.Meta()
	return Key{Initiator: h.Initiator, OperationID: h.OperationID}
}

type Resources struct {
	CPUMillicores uint64 `json:"cpu_millicores,omitempty"`
	MemoryBytes   uint64 `json:"memory_bytes,omitempty"`
	StorageBytes  uint64 `json:"storage_bytes,omitempty"`
}

type ContainerSpec struct {
	Name        string            `json:"name,omitempty"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Resources   Resources         `json:"resources"`
	Ports       []uint16          `json:"ports,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type CreateContainer struct {
	Header
	Spec ContainerSpec `json:"spec"`
}

type StartContainer struct {
	Header
	ContainerID string `json:"container_id"`
}

type StopContainer struct {
	Header
	ContainerID string `json:"container_id"`
	// Timeout is the grace period before the runtime kills the container.
	// Zero means the runtime default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

type ScaleContainer struct {
	Header
	ContainerID string `json:"container_id"`
	Replicas    uint32 `json:"replicas"`
}

// UpdateResources changes only the limits that are set.
type UpdateResources struct {
	Header
	ContainerID   string  `json:"container_id"`
	CPUMillicores *uint64 `json:"cpu_millicores,omitempty"`
	MemoryBytes   *uint64 `json:"memory_bytes,omitempty"`
	StorageBytes  *uint64 `json:"storage_bytes,omitempty"`
}

type CreateSnapshot struct {
	Header
	ContainerID   string `json:"container_id"`
	SnapshotName  string `json:"snapshot_name"`
	IncludeMemory bool   `json:"include_memory"`
}

type RestoreSnapshot struct {
	Header
	ContainerID  string `json:"container_id"`
	SnapshotName string `json:"snapshot_name"`
}

type MigrateContainer struct {
	Header
	ContainerID   string       `json:"container_id"`
	TargetNode    types.NodeID `json:"target_node"`
	LiveMigration bool         `json:"live_migration"`
}

type RemoveContainer struct {
	Header
	ContainerID   string `json:"container_id"`
	Force         bool   `json:"force"`
	RemoveVolumes bool   `json:"remove_volumes"`
}

type UpdateNetworking struct {
	Header
	ContainerID    string            `json:"container_id"`
	PortMappings   map[uint16]uint16 `json:"port_mappings,omitempty"`
	NetworkAliases []string          `json:"network_aliases,omitempty"`
}

type ExecuteCommand struct {
	Header
	ContainerID string            `json:"container_id"`
	Command     []string          `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
}

func (CreateContainer) Kind() Kind  { return KindCreateContainer }
func (StartContainer) Kind() Kind   { return KindStartContainer }
func (StopContainer) Kind() Kind    { return KindStopContainer }
func (ScaleContainer) Kind() Kind   { return KindScaleContainer }
func (UpdateResources) Kind() Kind  { return KindUpdateResources }
func (CreateSnapshot) Kind() Kind   { return KindCreateSnapshot }
func (RestoreSnapshot) Kind() Kind  { return KindRestoreSnapshot }
func (MigrateContainer) Kind() Kind { return KindMigrateContainer }
func (RemoveContainer) Kind() Kind  { return KindRemoveContainer }
func (UpdateNetworking) Kind() Kind { return KindUpdateNetworking }
func (ExecuteCommand) Kind() Kind   { return KindExecuteCommand }

func (h Header) Meta() Header { return h }

func (CreateContainer) isOperation()  {}
func (StartContainer) isOperation()   {}
func (StopContainer) isOperation()    {}
func (ScaleContainer) isOperation()   {}
func (UpdateResources) isOperation()  {}
func (CreateSnapshot) isOperation()   {}
func (RestoreSnapshot) isOperation()  {}
func (MigrateContainer) isOperation() {}
func (RemoveContainer) isOperation()  {}
func (UpdateNetworking) isOperation() {}
func (ExecuteCommand) isOperation()   {}

// TargetContainer returns the container an operation acts on. Create has no
// target until it is applied.
func TargetContainer(op Operation) (string, bool) {
	switch o := op.(type) {
	case CreateContainer:
		return "", false
	case StartContainer:
		return o.ContainerID, true
	case StopContainer:
		return o.ContainerID, true
	case ScaleContainer:
		return o.ContainerID, true
	case UpdateResources:
		return o.ContainerID, true
	case CreateSnapshot:
		return o.ContainerID, true
	case RestoreSnapshot:
		return o.ContainerID, true
	case MigrateContainer:
		return o.ContainerID, true
	case RemoveContainer:
		return o.ContainerID, true
	case UpdateNetworking:
		return o.ContainerID, true
	case ExecuteCommand:
		return o.ContainerID, true
	default:
		return "", false
	}
}

func RequiresRunningContainer(op Operation) bool {
	switch op.(type) {
	case StopContainer, CreateSnapshot, ExecuteCommand, UpdateNetworking:
		return true
	default:
		return false
	}
}

func ModifiesContainerState(op Operation) bool {
	switch op.(type) {
	case StartContainer, StopContainer, ScaleContainer, UpdateResources,
		RestoreSnapshot, MigrateContainer, RemoveContainer, UpdateNetworking:
		return true
	default:
		return false
	}
}

// WithHeader returns a copy of op carrying h.
func WithHeader(op Operation, h Header) Operation {
	switch o := op.(type) {
	case CreateContainer:
		o.Header = h
		return o
	case StartContainer:
		o.Header = h
		return o
	case StopContainer:
		o.Header = h
		return o
	case ScaleContainer:
		o.Header = h
		return o
	case UpdateResources:
		o.Header = h
		return o
	case CreateSnapshot:
		o.Header = h
		return o
	case RestoreSnapshot:
		o.Header = h
		return o
	case MigrateContainer:
		o.Header = h
		return o
	case RemoveContainer:
		o.Header = h
		return o
	case UpdateNetworking:
		o.Header = h
		return o
	case ExecuteCommand:
		o.Header = h
		return o
	default:
		return op
	}
}
