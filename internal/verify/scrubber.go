// Package verify re-checks persisted state in the background: the log
// scrubber re-verifies every entry checksum and the registry verifier
// cross-checks applied operations against the committed log.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/witnz/quorum/internal/events"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/types"
)

// Resyncer refetches log entries from peers. *consensus.Engine implements
// it.
type Resyncer interface {
	RequestResync(index types.LogIndex)
}

type IntegrityAlerter interface {
	SendLogIntegrityAlert(node types.NodeID, index types.LogIndex, expected, actual string) error
}

type Publisher interface {
	Publish(ev events.Event)
}

// ScrubReport summarizes one scrub pass.
type ScrubReport struct {
	Checked    types.LogIndex
	Violations []*replog.IntegrityError
	ResyncFrom types.LogIndex
	Err        error
}

type LogScrubber struct {
	node      types.NodeID
	log       *replog.Log
	resync    Resyncer
	alerts    IntegrityAlerter
	publisher Publisher
	logger    *slog.Logger
}

func NewLogScrubber(node types.NodeID, log *replog.Log, resync Resyncer, alerts IntegrityAlerter, publisher Publisher, logger *slog.Logger) *LogScrubber {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogScrubber{
		node:      node,
		log:       log,
		resync:    resync,
		alerts:    alerts,
		publisher: publisher,
		logger:    logger.With("component", "scrubber"),
	}
}

// Run scrubs once at startup and then every interval until ctx is done.
func (s *LogScrubber) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("Running startup log verification")
	if report := s.Scrub(); len(report.Violations) == 0 && report.Err == nil {
		s.logger.Info("Log verified", "entries", report.Checked)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scrub()
		}
	}
}

// Scrub verifies every stored entry. Corrupted entries are reported and the
// log is refilled from the lowest one onward.
func (s *LogScrubber) Scrub() ScrubReport {
	report := ScrubReport{Checked: s.log.LastIndex()}

	err := s.log.Scrub()
	for _, e := range multierr.Errors(err) {
		var ie *replog.IntegrityError
		if !errors.As(e, &ie) {
			report.Err = multierr.Append(report.Err, e)
			continue
		}
		report.Violations = append(report.Violations, ie)

		s.logger.Error("LOG INTEGRITY VIOLATION", "index", ie.Index, "error", ie)
		if s.alerts != nil {
			if err := s.alerts.SendLogIntegrityAlert(s.node, ie.Index, ie.Expected.String(), ie.Actual.String()); err != nil {
				s.logger.Warn("Failed to send integrity alert", "error", err)
			}
		}
		if s.publisher != nil {
			s.publisher.Publish(events.Event{
				Kind:    events.IntegrityViolation,
				At:      time.Now(),
				Index:   ie.Index,
				Node:    s.node,
				Message: ie.Error(),
			})
		}
	}
	if report.Err != nil {
		s.logger.Error("Log scrub failed", "error", report.Err)
	}

	report.ResyncFrom = s.log.ResyncFrom()
	if report.ResyncFrom != 0 && s.resync != nil {
		s.logger.Warn("Requesting resync of corrupted entries", "from", report.ResyncFrom)
		s.resync.RequestResync(report.ResyncFrom)
	}
	return report
}
