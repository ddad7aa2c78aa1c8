package operation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MiB = uint64(1024 * 1024)
	TiB = MiB * 1024 * 1024

	MaxReplicas         = 1000
	MaxCPUMillicores    = 64000
	MinMemoryBytes      = MiB
	MaxMemoryBytes      = TiB
	MinStorageBytes     = MiB
	MaxStorageBytes     = 10 * TiB
	MaxSnapshotNameSize = 64
)

var ErrValidation = errors.New("invalid operation")

type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s operation: %s: %s", e.Kind, e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(kind Kind, field, format string, args ...interface{}) error {
	return &ValidationError{
		Kind:    kind,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// Validate checks an operation before it is proposed. Operations that fail
// here never reach consensus.
func Validate(op Operation) error {
	if op == nil {
		return &ValidationError{Field: "operation", Message: "missing"}
	}

	if target, ok := TargetContainer(op); ok && strings.TrimSpace(target) == "" {
		return invalid(op.Kind(), "container_id", "cannot be empty")
	}

	switch o := op.(type) {
	case CreateContainer:
		if strings.TrimSpace(o.Spec.Image) == "" {
			return invalid(o.Kind(), "spec.image", "container image name cannot be empty")
		}
	case StartContainer, StopContainer, MigrateContainer, RemoveContainer, UpdateNetworking:
	case ScaleContainer:
		if o.Replicas == 0 {
			return invalid(o.Kind(), "replicas", "replica count must be greater than 0")
		}
		if o.Replicas > MaxReplicas {
			return invalid(o.Kind(), "replicas", "replica count exceeds maximum limit (%d)", MaxReplicas)
		}
	case UpdateResources:
		if o.CPUMillicores != nil && (*o.CPUMillicores == 0 || *o.CPUMillicores > MaxCPUMillicores) {
			return invalid(o.Kind(), "cpu_millicores", "must be between 1 and %d millicores", MaxCPUMillicores)
		}
		if o.MemoryBytes != nil && (*o.MemoryBytes < MinMemoryBytes || *o.MemoryBytes > MaxMemoryBytes) {
			return invalid(o.Kind(), "memory_bytes", "must be between 1MB and 1TB")
		}
		if o.StorageBytes != nil && (*o.StorageBytes < MinStorageBytes || *o.StorageBytes > MaxStorageBytes) {
			return invalid(o.Kind(), "storage_bytes", "must be between 1MB and 10TB")
		}
	case CreateSnapshot:
		return validateSnapshotName(o.Kind(), o.SnapshotName)
	case RestoreSnapshot:
		return validateSnapshotName(o.Kind(), o.SnapshotName)
	case ExecuteCommand:
		if len(o.Command) == 0 || strings.TrimSpace(o.Command[0]) == "" {
			return invalid(o.Kind(), "command", "execute command cannot be empty")
		}
	default:
		return &ValidationError{Field: "operation", Message: fmt.Sprintf("unknown operation type %T", op)}
	}

	return nil
}

func validateSnapshotName(kind Kind, name string) error {
	if name == "" {
		return invalid(kind, "snapshot_name", "snapshot name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxSnapshotNameSize {
		return invalid(kind, "snapshot_name", "snapshot name too long (max %d characters)", MaxSnapshotNameSize)
	}
	return nil
}
