package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/operation"
)

type memContainer struct {
	spec      operation.ContainerSpec
	running   bool
	replicas  uint32
	snapshots map[string]memSnapshot
}

type memSnapshot struct {
	running   bool
	replicas  uint32
	resources operation.Resources
}

// MemRuntime is a deterministic in-process runtime used by tests and the
// simulate command. Every replica that applies the same operations ends in
// the same state.
type MemRuntime struct {
	mu         sync.Mutex
	containers map[string]*memContainer
	failures   map[string]error
	calls      []string
}

func NewMemRuntime() *MemRuntime {
	return &MemRuntime{
		containers: make(map[string]*memContainer),
		failures:   make(map[string]error),
	}
}

// FailNext makes the next call to method fail with err.
func (r *MemRuntime) FailNext(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method] = err
}

// Calls returns the methods invoked so far, in order.
func (r *MemRuntime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *MemRuntime) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return ok && c.running
}

func (r *MemRuntime) Replicas(id string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		return c.replicas
	}
	return 0
}

func (r *MemRuntime) enter(method string) error {
	r.calls = append(r.calls, method)
	if err, ok := r.failures[method]; ok {
		delete(r.failures, method)
		return err
	}
	return nil
}

func (r *MemRuntime) lookup(id string) (*memContainer, error) {
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// StartContainer creates the container on first use and marks it running.
func (r *MemRuntime) StartContainer(ctx context.Context, id string, spec operation.ContainerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("StartContainer"); err != nil {
		return err
	}

	c, ok := r.containers[id]
	if !ok {
		c = &memContainer{spec: spec, replicas: 1, snapshots: make(map[string]memSnapshot)}
		r.containers[id] = c
	}
	c.running = true
	return nil
}

func (r *MemRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("StopContainer"); err != nil {
		return err
	}

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.running = false
	return nil
}

func (r *MemRuntime) ScaleContainer(ctx context.Context, id string, replicas uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ScaleContainer"); err != nil {
		return err
	}

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.replicas = replicas
	return nil
}

func (r *MemRuntime) UpdateResources(ctx context.Context, id string, res operation.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("UpdateResources"); err != nil {
		return err
	}

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.spec.Resources = res
	return nil
}

func (r *MemRuntime) RemoveContainer(ctx context.Context, id string, force, removeVolumes bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("RemoveContainer"); err != nil {
		return err
	}

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	if c.running && !force {
		return fmt.Errorf("container %s is running, use force to remove it", id)
	}
	delete(r.containers, id)
	return nil
}

// ExecuteCommand understands a few shell builtins: echo prints its
// arguments, false exits with 1 and anything else succeeds silently.
func (r *MemRuntime) ExecuteCommand(ctx context.Context, id string, req ExecRequest) (ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ExecuteCommand"); err != nil {
		return ExecResult{}, err
	}

	c, err := r.lookup(id)
	if err != nil {
		return ExecResult{}, err
	}
	if !c.running {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	switch req.Command[0] {
	case "echo":
		return ExecResult{Stdout: []byte(strings.Join(req.Command[1:], " ") + "\n")}, nil
	case "false":
		return ExecResult{ExitCode: 1}, nil
	default:
		return ExecResult{}, nil
	}
}

func (r *MemRuntime) CreateSnapshot(ctx context.Context, id, name string, includeMemory bool) (SnapshotInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreateSnapshot"); err != nil {
		return SnapshotInfo{}, err
	}

	c, err := r.lookup(id)
	if err != nil {
		return SnapshotInfo{}, err
	}

	snapID := snapshotID(id, name)
	c.snapshots[snapID] = memSnapshot{running: c.running, replicas: c.replicas, resources: c.spec.Resources}

	size := c.spec.Resources.StorageBytes / 16
	if includeMemory {
		size += c.spec.Resources.MemoryBytes
	}
	return SnapshotInfo{ID: snapID, SizeBytes: size}, nil
}

func (r *MemRuntime) RestoreSnapshot(ctx context.Context, id, snapID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("RestoreSnapshot"); err != nil {
		return err
	}

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	snap, ok := c.snapshots[snapID]
	if !ok {
		return fmt.Errorf("%w: snapshot %s", ErrNotFound, snapID)
	}
	c.running = snap.running
	c.replicas = snap.replicas
	c.spec.Resources = snap.resources
	return nil
}

func snapshotID(containerID, name string) string {
	d := hash.Sum([]byte(containerID + "/" + name))
	return "snap-" + d.String()[:12]
}

// SnapshotID returns the id MemRuntime assigns to snapshot name of a
// container.
func SnapshotID(containerID, name string) string {
	return snapshotID(containerID, name)
}

// MemNetworking derives service endpoints from the container's name and
// port mappings.
type MemNetworking struct {
	Domain string
}

func (n MemNetworking) SetupServiceNetworking(ctx context.Context, spec ServiceSpec) ([]string, error) {
	domain := n.Domain
	if domain == "" {
		domain = "svc.local"
	}
	host := spec.Name
	if host == "" {
		host = spec.ContainerID
	}

	ports := make(map[uint16]bool)
	for _, p := range spec.Ports {
		ports[p] = true
	}
	for hostPort := range spec.PortMappings {
		ports[hostPort] = true
	}
	sorted := make([]int, 0, len(ports))
	for p := range ports {
		sorted = append(sorted, int(p))
	}
	sort.Ints(sorted)

	names := append([]string{host}, spec.Aliases...)
	var endpoints []string
	for _, name := range names {
		if len(sorted) == 0 {
			endpoints = append(endpoints, fmt.Sprintf("%s.%s", name, domain))
			continue
		}
		for _, p := range sorted {
			endpoints = append(endpoints, fmt.Sprintf("%s.%s:%d", name, domain, p))
		}
	}
	return endpoints, nil
}
