package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Severity decides how an alert is highlighted.
type Severity int

const (
	SeverityResolved Severity = iota
	SeverityWarning
	SeverityCritical
)

// ParseSeverity maps the names used by callers to a Severity. Unknown names
// are treated as critical.
func ParseSeverity(s string) Severity {
	switch s {
	case "good", "resolved":
		return SeverityResolved
	case "warning":
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

func (s Severity) color() string {
	switch s {
	case SeverityResolved:
		return "good"
	case SeverityWarning:
		return "warning"
	default:
		return "danger"
	}
}

func (s Severity) marker() string {
	switch s {
	case SeverityResolved:
		return "✅"
	case SeverityWarning:
		return "⚠️"
	default:
		return "🚨"
	}
}

// Fact is one labelled value shown with an alert.
type Fact struct {
	Label string
	Value string
	Wide  bool
}

// Alert is a notification about a member or the replicated state. Node is
// left zero for cluster-wide alerts.
type Alert struct {
	Severity Severity
	Headline string
	Node     types.NodeID
	Facts    []Fact
	Action   string
	Source   string
}

// QuarantineAlert describes a member entering or leaving quarantine. Score
// is on the 0-100 reputation scale.
func QuarantineAlert(node types.NodeID, quarantined bool, score float64, reason string) Alert {
	a := Alert{
		Severity: SeverityCritical,
		Headline: "Byzantine member quarantined",
		Node:     node,
		Facts: []Fact{
			{Label: "Reputation", Value: fmt.Sprintf("%.1f / 100", score)},
			{Label: "Evidence", Value: reason, Wide: true},
		},
		Action: "Its votes no longer count toward any quorum.",
		Source: "byzantine guard",
	}
	if !quarantined {
		a.Severity = SeverityResolved
		a.Headline = "Member released from quarantine"
		a.Facts[1].Label = "Reason"
		a.Action = "Its votes count toward quorums again."
	}
	return a
}

// LogIntegrityAlert describes a committed log entry whose contents no longer
// match the checksum recorded when it was appended.
func LogIntegrityAlert(node types.NodeID, index types.LogIndex, expected, actual string) Alert {
	return Alert{
		Severity: SeverityCritical,
		Headline: "Replicated log entry corrupted",
		Node:     node,
		Facts: []Fact{
			{Label: "Entry", Value: strconv.FormatUint(uint64(index), 10)},
			{Label: "Recorded checksum", Value: expected, Wide: true},
			{Label: "Computed checksum", Value: actual, Wide: true},
		},
		Action: fmt.Sprintf("Entries from %d are discarded and refetched from peers.", index),
		Source: "log scrubber",
	}
}

// SystemAlert describes a cluster-wide condition such as journal tampering
// or a registry that disagrees with the log.
func SystemAlert(title, message, severity string) Alert {
	return Alert{
		Severity: ParseSeverity(severity),
		Headline: title,
		Facts:    []Fact{{Label: "Details", Value: message, Wide: true}},
		Source:   "integrity monitor",
	}
}

type Manager struct {
	enabled      bool
	slackWebhook string
	cluster      string
	httpClient   HTTPClient
	now          func() time.Time
}

func NewManager(enabled bool, slackWebhook, cluster string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, cluster, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook, cluster string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		cluster:      cluster,
		httpClient:   client,
		now:          time.Now,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

func (m *Manager) SendQuarantineAlert(node types.NodeID, quarantined bool, score float64, reason string) error {
	return m.Send(QuarantineAlert(node, quarantined, score, reason))
}

func (m *Manager) SendLogIntegrityAlert(node types.NodeID, index types.LogIndex, expected, actual string) error {
	return m.Send(LogIntegrityAlert(node, index, expected, actual))
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	return m.Send(SystemAlert(title, message, severity))
}

// Send posts a to the webhook. It is a no-op when alerting is disabled.
func (m *Manager) Send(a Alert) error {
	if !m.active() {
		return nil
	}
	return m.post(m.render(a))
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (m *Manager) render(a Alert) slackMessage {
	fields := []slackField{{Title: "Cluster", Value: m.cluster, Short: true}}
	if !a.Node.IsZero() {
		fields = append(fields, slackField{Title: "Node", Value: a.Node.Short(), Short: true})
	}
	for _, f := range a.Facts {
		fields = append(fields, slackField{Title: f.Label, Value: f.Value, Short: !f.Wide})
	}
	return slackMessage{
		Text: fmt.Sprintf("%s *%s*", a.Severity.marker(), a.Headline),
		Attachments: []slackAttachment{{
			Color:  a.Severity.color(),
			Title:  a.Headline,
			Text:   a.Action,
			Fields: fields,
			Footer: "quorum " + a.Source,
			Ts:     m.now().Unix(),
		}},
	}
}

func (m *Manager) post(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}
	return nil
}
