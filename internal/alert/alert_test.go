package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

var node = types.NodeIDFromName("node3")

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test", "prod")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func TestSendQuarantineAlert_Disabled(t *testing.T) {
	m := NewManager(false, "https://hooks.slack.com/test", "prod")
	err := m.SendQuarantineAlert(node, true, 12.5, "conflicting votes")
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
}

func TestSendQuarantineAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "", "prod")
	err := m.SendQuarantineAlert(node, true, 12.5, "conflicting votes")
	if err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestNilManagerIsSilent(t *testing.T) {
	var m *Manager
	if err := m.SendSystemAlert("halt", "storage failure", "danger"); err != nil {
		t.Errorf("expected nil error from nil manager, got: %v", err)
	}
}

func TestSendQuarantineAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)

	err := m.SendQuarantineAlert(node, true, 12.5, "conflicting votes")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Color != "danger" {
		t.Errorf("unexpected attachments: %+v", msg.Attachments)
	}
	if !strings.Contains(string(mock.lastBody), node.Short()) {
		t.Error("expected node id in payload")
	}
}

func TestSendQuarantineAlert_Release(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)

	if err := m.SendQuarantineAlert(node, false, 60, "reputation recovered"); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}

	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if msg.Attachments[0].Color != "good" {
		t.Errorf("expected good color for release, got %s", msg.Attachments[0].Color)
	}
	if !strings.Contains(msg.Attachments[0].Text, "count toward quorums again") {
		t.Errorf("expected release action, got %q", msg.Attachments[0].Text)
	}
}

func TestQuarantineAlert(t *testing.T) {
	a := QuarantineAlert(node, true, 12.5, "conflicting votes")
	if a.Severity != SeverityCritical || a.Node != node {
		t.Errorf("unexpected alert %+v", a)
	}
	facts := map[string]string{}
	for _, f := range a.Facts {
		facts[f.Label] = f.Value
	}
	if facts["Reputation"] != "12.5 / 100" || facts["Evidence"] != "conflicting votes" {
		t.Errorf("unexpected facts %v", facts)
	}

	released := QuarantineAlert(node, false, 61, "reputation recovered")
	if released.Severity != SeverityResolved || released.Facts[1].Label != "Reason" {
		t.Errorf("unexpected release alert %+v", released)
	}
}

func TestLogIntegrityAlertNamesResyncPoint(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := m.SendLogIntegrityAlert(node, 42, "abc123", "xyz789"); err != nil {
		t.Fatalf("SendLogIntegrityAlert failed: %v", err)
	}
	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	att := msg.Attachments[0]
	if att.Ts != 1700000000 {
		t.Errorf("expected timestamp from clock, got %d", att.Ts)
	}
	if !strings.Contains(att.Text, "from 42") {
		t.Errorf("expected resync point in action, got %q", att.Text)
	}
	var short, wide int
	for _, f := range att.Fields {
		if f.Short {
			short++
		} else {
			wide++
		}
	}
	// cluster, node and entry are short; both checksums are wide.
	if short != 3 || wide != 2 {
		t.Errorf("unexpected field layout %+v", att.Fields)
	}
}

func TestSystemAlertOmitsNode(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)

	if err := m.SendSystemAlert("Journal Tampering Detected", "row 7 changed", "danger"); err != nil {
		t.Fatalf("SendSystemAlert failed: %v", err)
	}
	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	for _, f := range msg.Attachments[0].Fields {
		if f.Title == "Node" {
			t.Error("cluster-wide alerts should not name a node")
		}
	}
}

func TestSendQuarantineAlert_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)

	err := m.SendQuarantineAlert(node, true, 0, "invalid signature")
	if err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSendQuarantineAlert_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)

	if err := m.SendQuarantineAlert(node, true, 0, "invalid signature"); err == nil {
		t.Error("expected error when the webhook is unreachable")
	}
}

func TestSendLogIntegrityAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)

	err := m.SendLogIntegrityAlert(node, 42, "abc123", "xyz789")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if !strings.Contains(string(mock.lastBody), "xyz789") {
		t.Error("expected actual checksum in payload")
	}
}

func TestSendLogIntegrityAlert_Disabled(t *testing.T) {
	m := NewManager(false, "https://hooks.slack.com/test", "prod")
	err := m.SendLogIntegrityAlert(node, 42, "abc123", "xyz789")
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
}

func TestSendSystemAlert_Severity(t *testing.T) {
	tests := []struct {
		severity string
		color    string
	}{
		{"warning", "warning"},
		{"good", "good"},
		{"resolved", "good"},
		{"critical", "danger"},
		{"unknown", "danger"},
	}

	for _, tt := range tests {
		mock := &mockHTTPClient{statusCode: http.StatusOK}
		m := NewManagerWithClient(true, "https://hooks.slack.com/test", "prod", mock)
		if err := m.SendSystemAlert("Cluster health", "Critical", tt.severity); err != nil {
			t.Fatalf("SendSystemAlert failed: %v", err)
		}
		var msg slackMessage
		if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if msg.Attachments[0].Color != tt.color {
			t.Errorf("severity %s: expected color %s, got %s", tt.severity, tt.color, msg.Attachments[0].Color)
		}
	}
}
