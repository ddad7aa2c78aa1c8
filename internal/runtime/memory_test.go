package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/witnz/quorum/internal/operation"
)

func TestMemRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemRuntime()

	if err := r.StartContainer(ctx, "ctr-1", operation.ContainerSpec{Image: "alpine"}); err != nil {
		t.Fatalf("StartContainer failed: %v", err)
	}
	if !r.Running("ctr-1") {
		t.Fatal("expected container to be running")
	}

	if err := r.ScaleContainer(ctx, "ctr-1", 3); err != nil {
		t.Fatalf("ScaleContainer failed: %v", err)
	}
	if r.Replicas("ctr-1") != 3 {
		t.Errorf("expected 3 replicas, got %d", r.Replicas("ctr-1"))
	}

	if err := r.RemoveContainer(ctx, "ctr-1", false, false); err == nil {
		t.Error("removing a running container without force should fail")
	}
	if err := r.StopContainer(ctx, "ctr-1", 0); err != nil {
		t.Fatalf("StopContainer failed: %v", err)
	}
	if err := r.RemoveContainer(ctx, "ctr-1", false, true); err != nil {
		t.Fatalf("RemoveContainer failed: %v", err)
	}
	if err := r.StopContainer(ctx, "ctr-1", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemRuntimeExec(t *testing.T) {
	ctx := context.Background()
	r := NewMemRuntime()
	r.StartContainer(ctx, "ctr-1", operation.ContainerSpec{Image: "alpine"})

	tests := []struct {
		cmd      []string
		exitCode int
		stdout   string
	}{
		{[]string{"echo", "hello", "world"}, 0, "hello world\n"},
		{[]string{"false"}, 1, ""},
		{[]string{"true"}, 0, ""},
	}
	for _, tt := range tests {
		res, err := r.ExecuteCommand(ctx, "ctr-1", ExecRequest{Command: tt.cmd})
		if err != nil {
			t.Fatalf("ExecuteCommand(%v) failed: %v", tt.cmd, err)
		}
		if res.ExitCode != tt.exitCode || string(res.Stdout) != tt.stdout {
			t.Errorf("ExecuteCommand(%v) = %d %q", tt.cmd, res.ExitCode, res.Stdout)
		}
	}

	r.StopContainer(ctx, "ctr-1", 0)
	if _, err := r.ExecuteCommand(ctx, "ctr-1", ExecRequest{Command: []string{"ls"}}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestMemRuntimeSnapshots(t *testing.T) {
	ctx := context.Background()
	r := NewMemRuntime()
	r.StartContainer(ctx, "ctr-1", operation.ContainerSpec{Image: "alpine"})

	info, err := r.CreateSnapshot(ctx, "ctr-1", "before", false)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if info.ID != SnapshotID("ctr-1", "before") {
		t.Errorf("unexpected snapshot id %s", info.ID)
	}

	r.ScaleContainer(ctx, "ctr-1", 5)
	r.StopContainer(ctx, "ctr-1", 0)

	if err := r.RestoreSnapshot(ctx, "ctr-1", info.ID); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if !r.Running("ctr-1") || r.Replicas("ctr-1") != 1 {
		t.Error("restore should bring back the snapshotted state")
	}
	if err := r.RestoreSnapshot(ctx, "ctr-1", "snap-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemRuntimeFailNext(t *testing.T) {
	ctx := context.Background()
	r := NewMemRuntime()
	boom := errors.New("boom")
	r.FailNext("StartContainer", boom)

	if err := r.StartContainer(ctx, "ctr-1", operation.ContainerSpec{Image: "alpine"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := r.StartContainer(ctx, "ctr-1", operation.ContainerSpec{Image: "alpine"}); err != nil {
		t.Fatalf("failure should only apply once: %v", err)
	}
	if calls := r.Calls(); len(calls) != 2 {
		t.Errorf("expected 2 recorded calls, got %v", calls)
	}
}

func TestMemNetworkingEndpoints(t *testing.T) {
	n := MemNetworking{}
	eps, err := n.SetupServiceNetworking(context.Background(), ServiceSpec{
		ContainerID:  "ctr-1",
		Name:         "web",
		Ports:        []uint16{80},
		PortMappings: map[uint16]uint16{8080: 80},
		Aliases:      []string{"frontend"},
	})
	if err != nil {
		t.Fatalf("SetupServiceNetworking failed: %v", err)
	}

	want := []string{"web.svc.local:80", "web.svc.local:8080", "frontend.svc.local:80", "frontend.svc.local:8080"}
	if len(eps) != len(want) {
		t.Fatalf("expected %v, got %v", want, eps)
	}
	for i := range want {
		if eps[i] != want[i] {
			t.Errorf("endpoint %d: expected %s, got %s", i, want[i], eps[i])
		}
	}
}
