package types

import (
	"encoding/json"
	"testing"
)

func TestNodeIDFromNameDeterministic(t *testing.T) {
	a := NodeIDFromName("node0")
	b := NodeIDFromName("node0")
	c := NodeIDFromName("node1")

	if a != b {
		t.Error("expected identical ids for the same name")
	}
	if a == c {
		t.Error("expected different ids for different names")
	}
	if a.IsZero() {
		t.Error("expected non-zero id")
	}
}

func TestNodeIDTextRoundTrip(t *testing.T) {
	id := NodeIDFromName("node2")

	data, err := json.Marshal(map[string]NodeID{"id": id})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]NodeID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["id"] != id {
		t.Errorf("expected %s, got %s", id, decoded["id"])
	}
}

func TestParseNodeIDRejectsBadInput(t *testing.T) {
	if _, err := ParseNodeID("zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := ParseNodeID("abcd"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestQuorumArithmetic(t *testing.T) {
	tests := []struct {
		n      int
		f      int
		quorum int
	}{
		{1, 0, 1},
		{4, 1, 3},
		{5, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
	}

	for _, tt := range tests {
		if got := MaxFaulty(tt.n); got != tt.f {
			t.Errorf("MaxFaulty(%d) = %d, want %d", tt.n, got, tt.f)
		}
		if got := Quorum(tt.n); got != tt.quorum {
			t.Errorf("Quorum(%d) = %d, want %d", tt.n, got, tt.quorum)
		}
	}
}

func TestSortNodeIDs(t *testing.T) {
	ids := []NodeID{NodeIDFromName("c"), NodeIDFromName("a"), NodeIDFromName("b")}
	SortNodeIDs(ids)

	for i := 1; i < len(ids); i++ {
		if ids[i-1].String() > ids[i].String() {
			t.Fatalf("ids not sorted: %s > %s", ids[i-1], ids[i])
		}
	}
}
