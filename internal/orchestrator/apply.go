package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/witnz/quorum/internal/consensus"
	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/runtime"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/types"
)

// change is the registry mutation produced by applying one operation.
type change struct {
	put    *storage.Container
	remove string
}

// Apply carries out every operation of a committed log entry in order. An
// operation already recorded as applied is skipped, so replaying entries
// after a restart or state transfer has no effect. Only storage failures
// are returned; runtime failures are recorded in the operation's result.
func (o *Orchestrator) Apply(entry replog.Entry) error {
	reqs, err := consensus.DecodeEntry(entry)
	if err != nil {
		o.logger.Error("Committed entry could not be decoded, skipping", "index", entry.Index, "error", err)
		return nil
	}

	for _, req := range reqs {
		if err := o.applyOne(entry, req); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyOne(entry replog.Entry, req consensus.DecodedRequest) error {
	op := req.Operation
	key := operation.KeyOf(op)

	applied, err := o.store.IsApplied(key)
	if err != nil {
		return fmt.Errorf("%w: check applied %s: %v", replog.ErrStorage, key, err)
	}
	if applied {
		o.logger.Debug("Skipping already applied operation", "operation", key, "index", entry.Index)
		o.statsMu.Lock()
		o.stats.duplicates++
		o.statsMu.Unlock()
		return nil
	}

	var (
		result operation.Result
		ch     change
		appErr error
	)
	start := o.now()
	if req.Expired {
		appErr = &consensus.TimeoutError{Key: key, Deadline: req.Request.Deadline}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), o.applyTimeout)
		result, ch, appErr = o.execute(ctx, op, req.Digest)
		cancel()
	}
	elapsed := o.now().Sub(start)

	rec := &storage.AppliedRecord{
		Key:           key,
		Kind:          op.Kind(),
		Index:         entry.Index,
		Digest:        req.Digest,
		Success:       appErr == nil,
		Expired:       req.Expired,
		ExecutionTime: elapsed,
		AppliedAt:     o.now(),
	}
	if appErr != nil {
		rec.Error = appErr.Error()
		ch = change{}
	} else {
		data, err := operation.EncodeResult(result)
		if err != nil {
			return fmt.Errorf("failed to encode result of %s: %w", key, err)
		}
		rec.Result = json.RawMessage(data)
	}

	if err := o.store.RecordApplied(rec, ch.put, ch.remove); err != nil {
		return fmt.Errorf("%w: record applied %s: %v", replog.ErrStorage, key, err)
	}

	res := &OperationResult{
		Key:           key,
		Kind:          op.Kind(),
		Index:         entry.Index,
		Success:       appErr == nil,
		Result:        result,
		ExecutionTime: elapsed,
		AppliedAt:     rec.AppliedAt,
	}
	switch {
	case req.Expired:
		res.Err = appErr
		o.logger.Warn("Committed operation expired before it was ordered", "operation", key, "kind", op.Kind(), "deadline", req.Request.Deadline)
	case appErr != nil:
		res.Err = &ApplicationError{Key: key, Kind: op.Kind(), Err: appErr}
		o.logger.Warn("Committed operation failed to apply", "operation", key, "kind", op.Kind(), "error", appErr)
	default:
		o.logger.Info("Applied operation", "operation", key, "kind", op.Kind(), "index", entry.Index)
	}

	local, settled := false, false
	o.mu.Lock()
	if w, ok := o.waiters[key]; ok {
		if w.local {
			local = true
			res.ConsensusTime = max(rec.AppliedAt.Sub(w.submittedAt)-elapsed, 0)
		}
		settled = w.finish(res, res.Err)
	}
	o.mu.Unlock()

	o.recordApplied(res, local)
	// The engine may already have reported this timeout through OnFailed.
	if req.Expired && local && settled {
		o.statsMu.Lock()
		o.stats.timedOut++
		o.statsMu.Unlock()
	}

	if o.journal != nil {
		jctx, cancel := context.WithTimeout(context.Background(), o.applyTimeout)
		if err := o.journal.Record(jctx, rec); err != nil {
			o.logger.Warn("Failed to journal applied operation", "operation", key, "error", err)
		}
		cancel()
	}

	k := key
	ev := events.Event{Kind: events.OperationApplied, At: rec.AppliedAt, Operation: &k, Index: entry.Index}
	if appErr != nil {
		ev.Kind = events.OperationFailed
		ev.Message = appErr.Error()
	}
	o.bus.Publish(ev)
	return nil
}

// execute performs op against the registry and the runtime. Registry checks
// come first so every replica rejects the same operations; the returned
// change is only stored when the runtime call succeeded.
func (o *Orchestrator) execute(ctx context.Context, op operation.Operation, digest types.Digest) (operation.Result, change, error) {
	if create, ok := op.(operation.CreateContainer); ok {
		return o.createContainer(ctx, create, digest)
	}

	h := op.Meta()
	id, _ := operation.TargetContainer(op)
	c, err := o.store.GetContainer(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, change{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	if err != nil {
		return nil, change{}, err
	}
	if operation.RequiresRunningContainer(op) && c.State != storage.StateRunning {
		return nil, change{}, fmt.Errorf("%w: %s is %s", runtime.ErrNotRunning, id, c.State)
	}

	c.UpdatedAt = h.Timestamp
	c.LastOperation = operation.KeyOf(op).String()

	switch op := op.(type) {
	case operation.StartContainer:
		if c.State == storage.StateRunning {
			return nil, change{}, fmt.Errorf("container %s is already running", id)
		}
		if err := o.runtime.StartContainer(ctx, id, c.Spec); err != nil {
			return nil, change{}, err
		}
		c.State = storage.StateRunning
		return operation.ContainerStarted{ContainerID: id}, change{put: c}, nil

	case operation.StopContainer:
		if err := o.runtime.StopContainer(ctx, id, op.Timeout); err != nil {
			return nil, change{}, err
		}
		c.State = storage.StateStopped
		return operation.ContainerStopped{ContainerID: id}, change{put: c}, nil

	case operation.ScaleContainer:
		if err := o.runtime.ScaleContainer(ctx, id, op.Replicas); err != nil {
			return nil, change{}, err
		}
		c.Replicas = op.Replicas
		return operation.ContainerScaled{ContainerID: id, Replicas: op.Replicas}, change{put: c}, nil

	case operation.UpdateResources:
		rm, ok := o.runtime.(runtime.ResourceManager)
		if !ok {
			return nil, change{}, fmt.Errorf("%w: resource updates", runtime.ErrUnsupported)
		}
		res := c.Spec.Resources
		if op.CPUMillicores != nil {
			res.CPUMillicores = *op.CPUMillicores
		}
		if op.MemoryBytes != nil {
			res.MemoryBytes = *op.MemoryBytes
		}
		if op.StorageBytes != nil {
			res.StorageBytes = *op.StorageBytes
		}
		if err := rm.UpdateResources(ctx, id, res); err != nil {
			return nil, change{}, err
		}
		c.Spec.Resources = res
		return operation.ResourcesUpdated{ContainerID: id, Resources: res}, change{put: c}, nil

	case operation.CreateSnapshot:
		snap, ok := o.runtime.(runtime.Snapshotter)
		if !ok {
			return nil, change{}, fmt.Errorf("%w: snapshots", runtime.ErrUnsupported)
		}
		for _, s := range c.Snapshots {
			if s.Name == op.SnapshotName {
				return nil, change{}, fmt.Errorf("snapshot %q of %s already exists", op.SnapshotName, id)
			}
		}
		info, err := snap.CreateSnapshot(ctx, id, op.SnapshotName, op.IncludeMemory)
		if err != nil {
			return nil, change{}, err
		}
		c.Snapshots = append(c.Snapshots, storage.SnapshotRecord{
			ID:        info.ID,
			Name:      op.SnapshotName,
			SizeBytes: info.SizeBytes,
			CreatedAt: h.Timestamp,
		})
		return operation.SnapshotCreated{SnapshotID: info.ID, SizeBytes: info.SizeBytes}, change{put: c}, nil

	case operation.RestoreSnapshot:
		snap, ok := o.runtime.(runtime.Snapshotter)
		if !ok {
			return nil, change{}, fmt.Errorf("%w: snapshots", runtime.ErrUnsupported)
		}
		var snapID string
		for _, s := range c.Snapshots {
			if s.Name == op.SnapshotName {
				snapID = s.ID
			}
		}
		if snapID == "" {
			return nil, change{}, fmt.Errorf("%w: snapshot %q of %s", runtime.ErrNotFound, op.SnapshotName, id)
		}
		if err := snap.RestoreSnapshot(ctx, id, snapID); err != nil {
			return nil, change{}, err
		}
		return operation.SnapshotRestored{ContainerID: id, SnapshotID: snapID}, change{put: c}, nil

	case operation.MigrateContainer:
		if !o.memberSet[op.TargetNode] {
			return nil, change{}, fmt.Errorf("target node %s is not a cluster member", op.TargetNode.Short())
		}
		if op.TargetNode == c.Node {
			return nil, change{}, fmt.Errorf("container %s already runs on %s", id, c.Node.Short())
		}
		from := c.Node
		c.Node = op.TargetNode
		return operation.ContainerMigrated{ContainerID: id, FromNode: from, ToNode: op.TargetNode}, change{put: c}, nil

	case operation.RemoveContainer:
		if c.State == storage.StateRunning && !op.Force {
			return nil, change{}, fmt.Errorf("container %s is running, use force to remove it", id)
		}
		if rm, ok := o.runtime.(runtime.Remover); ok {
			err := rm.RemoveContainer(ctx, id, op.Force, op.RemoveVolumes)
			// A container that was created but never started has nothing
			// to remove in the runtime.
			if err != nil && !errors.Is(err, runtime.ErrNotFound) {
				return nil, change{}, err
			}
		} else if c.State == storage.StateRunning {
			if err := o.runtime.StopContainer(ctx, id, 0); err != nil {
				return nil, change{}, err
			}
		}
		return operation.ContainerRemoved{ContainerID: id}, change{remove: id}, nil

	case operation.UpdateNetworking:
		mappings := c.PortMappings
		if op.PortMappings != nil {
			mappings = op.PortMappings
		}
		aliases := c.Aliases
		if op.NetworkAliases != nil {
			aliases = append([]string(nil), op.NetworkAliases...)
			sort.Strings(aliases)
		}
		endpoints, err := o.networking.SetupServiceNetworking(ctx, runtime.ServiceSpec{
			ContainerID:  id,
			Name:         c.Spec.Name,
			Ports:        c.Spec.Ports,
			PortMappings: mappings,
			Aliases:      aliases,
		})
		if err != nil {
			return nil, change{}, err
		}
		c.PortMappings = mappings
		c.Aliases = aliases
		c.Endpoints = endpoints
		return operation.NetworkingUpdated{ContainerID: id, Endpoints: endpoints}, change{put: c}, nil

	case operation.ExecuteCommand:
		exec, ok := o.runtime.(runtime.CommandExecutor)
		if !ok {
			return nil, change{}, fmt.Errorf("%w: command execution", runtime.ErrUnsupported)
		}
		start := time.Now()
		out, err := exec.ExecuteCommand(ctx, id, runtime.ExecRequest{
			Command:     op.Command,
			Environment: op.Environment,
			WorkingDir:  op.WorkingDir,
		})
		if err != nil {
			return nil, change{}, err
		}
		return operation.CommandExecuted{
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			Duration: time.Since(start),
		}, change{}, nil

	default:
		return nil, change{}, fmt.Errorf("%w: %s", runtime.ErrUnsupported, op.Kind())
	}
}

// createContainer registers a new container. Its id is derived from the
// operation digest, so every replica assigns the same one.
func (o *Orchestrator) createContainer(ctx context.Context, op operation.CreateContainer, digest types.Digest) (operation.Result, change, error) {
	id := operation.ContainerIDFor(digest)
	if _, err := o.store.GetContainer(id); err == nil {
		return nil, change{}, fmt.Errorf("%w: %s", runtime.ErrAlreadyExists, id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, change{}, err
	}

	h := op.Meta()
	c := &storage.Container{
		ID:            id,
		Spec:          op.Spec,
		State:         storage.StateCreated,
		Replicas:      1,
		Node:          h.Initiator,
		CreatedBy:     h.Initiator,
		CreatedAt:     h.Timestamp,
		UpdatedAt:     h.Timestamp,
		LastOperation: operation.KeyOf(op).String(),
	}

	if len(op.Spec.Ports) > 0 {
		endpoints, err := o.networking.SetupServiceNetworking(ctx, runtime.ServiceSpec{
			ContainerID: id,
			Name:        op.Spec.Name,
			Ports:       op.Spec.Ports,
		})
		if err != nil {
			return nil, change{}, err
		}
		c.Endpoints = endpoints
	}
	return operation.ContainerCreated{ContainerID: id}, change{put: c}, nil
}
