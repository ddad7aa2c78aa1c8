// Package runtime defines the container runtime and networking
// collaborators invoked when committed operations are applied.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/witnz/quorum/internal/operation"
)

var (
	ErrNotFound      = errors.New("container not found")
	ErrAlreadyExists = errors.New("container already exists")
	ErrNotRunning    = errors.New("container not running")
	ErrUnsupported   = errors.New("not supported by runtime")
)

// Runtime runs containers on the local node.
type Runtime interface {
	StartContainer(ctx context.Context, id string, spec operation.ContainerSpec) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	ScaleContainer(ctx context.Context, id string, replicas uint32) error
}

// The interfaces below are optional. The orchestrator records
// ErrUnsupported for operations the configured runtime cannot perform.

type ResourceManager interface {
	UpdateResources(ctx context.Context, id string, res operation.Resources) error
}

type Remover interface {
	RemoveContainer(ctx context.Context, id string, force, removeVolumes bool) error
}

type ExecRequest struct {
	Command     []string
	Environment map[string]string
	WorkingDir  string
}

type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, id string, req ExecRequest) (ExecResult, error)
}

type SnapshotInfo struct {
	ID        string
	SizeBytes uint64
}

type Snapshotter interface {
	CreateSnapshot(ctx context.Context, id, name string, includeMemory bool) (SnapshotInfo, error)
	RestoreSnapshot(ctx context.Context, id, snapshotID string) error
}

// ServiceSpec describes the endpoints a container should expose.
type ServiceSpec struct {
	ContainerID  string
	Name         string
	Ports        []uint16
	PortMappings map[uint16]uint16
	Aliases      []string
}

type Networking interface {
	SetupServiceNetworking(ctx context.Context, spec ServiceSpec) ([]string, error)
}
