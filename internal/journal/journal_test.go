package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/types"
)

type mockAlerter struct {
	titles []string
}

func (m *mockAlerter) SendSystemAlert(title, message, severity string) error {
	m.titles = append(m.titles, title)
	return nil
}

type mockPublisher struct {
	events []events.Event
}

func (m *mockPublisher) Publish(ev events.Event) {
	m.events = append(m.events, ev)
}

func newTestWatcher(t *testing.T) (*Watcher, *mockAlerter, *mockPublisher) {
	t.Helper()
	alerts := &mockAlerter{}
	pub := &mockPublisher{}
	w, err := NewWatcher(WatcherConfig{
		Table:           "quorum_journal",
		SlotName:        "quorum_slot",
		PublicationName: "quorum_pub",
	}, alerts, pub, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	return w, alerts, pub
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"quorum_journal", true},
		{"_private", true},
		{"journal2", true},
		{"", false},
		{"2journal", false},
		{"Journal", false},
		{"journal; DROP TABLE x", false},
		{strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		if got := ValidIdentifier(tt.name); got != tt.want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewWatcherRejectsBadIdentifiers(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Table: "ok", SlotName: "bad-slot", PublicationName: "pub"}, nil, nil, nil)
	if err == nil {
		t.Error("expected error for invalid slot name")
	}
}

func TestWatcherHandleChange(t *testing.T) {
	tests := []struct {
		name       string
		change     *Change
		wantTamper bool
	}{
		{
			name:   "insert is expected",
			change: &Change{Table: "quorum_journal", Type: ChangeInsert, NewData: map[string]interface{}{"node": "a"}},
		},
		{
			name:   "other table ignored",
			change: &Change{Table: "accounts", Type: ChangeDelete, OldData: map[string]interface{}{"id": "1"}},
		},
		{
			name:       "update is tampering",
			change:     &Change{Table: "quorum_journal", Type: ChangeUpdate, NewData: map[string]interface{}{"operation_id": "7"}},
			wantTamper: true,
		},
		{
			name:       "delete is tampering",
			change:     &Change{Table: "quorum_journal", Type: ChangeDelete, OldData: map[string]interface{}{"operation_id": "7"}},
			wantTamper: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, alerts, pub := newTestWatcher(t)

			te := w.HandleChange(tt.change)
			if (te != nil) != tt.wantTamper {
				t.Fatalf("HandleChange() = %v, wantTamper %v", te, tt.wantTamper)
			}
			if !tt.wantTamper {
				if len(alerts.titles) != 0 || len(pub.events) != 0 {
					t.Error("expected no alert or event")
				}
				return
			}

			if !IsTamperingError(te) || !strings.Contains(te.Error(), "operation_id=7") {
				t.Errorf("unexpected tampering error %v", te)
			}
			if len(alerts.titles) != 1 || alerts.titles[0] != "Journal Tampering Detected" {
				t.Errorf("unexpected alerts %v", alerts.titles)
			}
			if len(pub.events) != 1 || pub.events[0].Kind != events.IntegrityViolation {
				t.Errorf("unexpected events %+v", pub.events)
			}
			if len(w.Violations()) != 1 {
				t.Errorf("expected 1 recorded violation, got %d", len(w.Violations()))
			}
		})
	}
}

func TestWatcherCountsInserts(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	for i := 0; i < 3; i++ {
		w.HandleChange(&Change{Table: "quorum_journal", Type: ChangeInsert})
	}
	if w.Inserts() != 3 {
		t.Errorf("expected 3 inserts, got %d", w.Inserts())
	}
}

func TestTupleToMap(t *testing.T) {
	rel := &pglogrepl.RelationMessage{
		RelationName: "quorum_journal",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "node"},
			{Name: "error"},
			{Name: "operation_id"},
		},
	}
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("abc")},
			{DataType: 'n'},
			{DataType: 't', Data: []byte("42")},
		},
	}

	values := tupleToMap(rel, tuple)
	if values["node"] != "abc" || values["operation_id"] != "42" {
		t.Errorf("unexpected values %v", values)
	}
	if v, ok := values["error"]; !ok || v != nil {
		t.Errorf("expected null error column, got %v", v)
	}
	if tupleToMap(rel, nil) != nil {
		t.Error("expected nil map for missing tuple")
	}
}

func TestBackoff(t *testing.T) {
	if backoff(1) != 2*time.Second {
		t.Errorf("expected 2s, got %s", backoff(1))
	}
	if backoff(10) != 30*time.Second {
		t.Errorf("expected backoff capped at 30s, got %s", backoff(10))
	}
}

func TestCompare(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	defer store.Close()

	node := types.NodeIDFromName("node0")
	applied := &storage.AppliedRecord{
		Key:     operation.Key{Initiator: node, OperationID: 1},
		Kind:    operation.KindCreateContainer,
		Index:   3,
		Digest:  hash.Sum([]byte("op-1")),
		Success: true,
	}
	if err := store.RecordApplied(applied, nil, ""); err != nil {
		t.Fatalf("RecordApplied failed: %v", err)
	}

	row := Row{Node: node, Key: applied.Key, Kind: applied.Kind, Index: 3, Digest: applied.Digest, Success: true}
	tests := []struct {
		name   string
		modify func(*Row)
		want   string
	}{
		{"matching", func(r *Row) {}, ""},
		{"digest", func(r *Row) { r.Digest = hash.Sum([]byte("other")) }, "digest differs"},
		{"index", func(r *Row) { r.Index = 4 }, "journaled at index 4"},
		{"outcome", func(r *Row) { r.Success = false }, "outcome differs"},
		{"unknown", func(r *Row) { r.Key.OperationID = 2 }, "not applied locally"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := row
			tt.modify(&r)
			mismatches, err := Compare([]Row{r}, store)
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if tt.want == "" {
				if len(mismatches) != 0 {
					t.Errorf("expected no mismatches, got %v", mismatches)
				}
				return
			}
			if len(mismatches) != 1 || !strings.Contains(mismatches[0], tt.want) {
				t.Errorf("expected mismatch containing %q, got %v", tt.want, mismatches)
			}
		})
	}
}

// TestJournalRoundTrip needs a live PostgreSQL; set QUORUM_TEST_POSTGRES to
// a connection string to run it.
func TestJournalRoundTrip(t *testing.T) {
	dsn := os.Getenv("QUORUM_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("QUORUM_TEST_POSTGRES not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	node := types.NodeIDFromName("node0")
	table := "quorum_journal_test_" + strings.ToLower(node.Short())
	j, err := New(ctx, node, Config{ConnString: dsn, Table: table}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer j.Close()
	defer j.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+j.ident())

	rec := &storage.AppliedRecord{
		Key:       operation.Key{Initiator: node, OperationID: 1},
		Kind:      operation.KindStartContainer,
		Index:     1,
		Digest:    hash.Sum([]byte("op")),
		Success:   true,
		AppliedAt: time.Now().UTC(),
	}
	if err := j.Record(ctx, rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record(ctx, rec); err != nil {
		t.Fatalf("second Record failed: %v", err)
	}
	if j.Written() != 1 || j.LastLSN() == 0 {
		t.Errorf("expected one write with an LSN, got %d at %s", j.Written(), j.LastLSN())
	}

	rows, err := j.Rows(ctx)
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != rec.Key || rows[0].Digest != rec.Digest {
		t.Errorf("unexpected rows %+v", rows)
	}
}
