package journal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/witnz/quorum/internal/events"
)

const OutputPlugin = "pgoutput"

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row change decoded from the replication stream.
type Change struct {
	Table   string
	Type    ChangeType
	NewData map[string]interface{}
	OldData map[string]interface{}
	LSN     pglogrepl.LSN
}

// TamperingError reports a journal row modified or removed after it was
// written.
type TamperingError struct {
	Table     string
	Operation ChangeType
	Row       map[string]interface{}
}

func (e *TamperingError) Error() string {
	return fmt.Sprintf("TAMPERING DETECTED: %s on append-only journal table %s (node=%v initiator=%v operation_id=%v)",
		e.Operation, e.Table, e.Row["node"], e.Row["initiator"], e.Row["operation_id"])
}

func IsTamperingError(err error) bool {
	_, ok := err.(*TamperingError)
	return ok
}

type SystemAlerter interface {
	SendSystemAlert(title, message, severity string) error
}

type Publisher interface {
	Publish(ev events.Event)
}

type WatcherConfig struct {
	// ConnString is a regular connection string; the watcher adds the
	// replication parameter itself.
	ConnString      string
	Table           string
	SlotName        string
	PublicationName string
}

// Watcher follows the journal table through logical replication. Inserts
// are expected; any update or delete is reported as tampering.
type Watcher struct {
	config    WatcherConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	alerts    SystemAlerter
	publisher Publisher
	logger    *slog.Logger

	mu         sync.RWMutex
	currentLSN pglogrepl.LSN
	inserts    uint64
	violations []*TamperingError
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewWatcher(config WatcherConfig, alerts SystemAlerter, publisher Publisher, logger *slog.Logger) (*Watcher, error) {
	for _, name := range []string{config.Table, config.SlotName, config.PublicationName} {
		if !ValidIdentifier(name) {
			return nil, fmt.Errorf("invalid identifier: %q", name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		alerts:    alerts,
		publisher: publisher,
		logger:    logger.With("component", "journal-watcher"),
		stopCh:    make(chan struct{}),
	}, nil
}

func (w *Watcher) Initialize(ctx context.Context) error {
	if err := w.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	conn, err := pgconn.Connect(ctx, w.config.ConnString+" replication=database")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	w.conn = conn

	if err := w.createSlotIfNotExists(ctx); err != nil {
		w.conn.Close(ctx)
		w.conn = nil
		return fmt.Errorf("failed to create slot: %w", err)
	}
	return nil
}

func (w *Watcher) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.config.ConnString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		w.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			pgx.Identifier{w.config.PublicationName}.Sanitize(),
			pgx.Identifier{w.config.Table}.Sanitize()))
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		w.logger.Info("Created publication", "publication", w.config.PublicationName)
	}
	return nil
}

func (w *Watcher) createSlotIfNotExists(ctx context.Context) error {
	result, err := pglogrepl.CreateReplicationSlot(ctx, w.conn, w.config.SlotName, OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			return nil
		}
		return err
	}
	w.logger.Info("Created replication slot", "slot", result.SlotName, "lsn", result.ConsistentPoint)
	return nil
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.conn == nil {
		return fmt.Errorf("watcher not initialized")
	}

	err := pglogrepl.StartReplication(ctx, w.conn, w.config.SlotName, w.currentLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", w.config.PublicationName),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	w.running = true
	w.wg.Add(1)
	go w.receiveLoop(ctx)
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	if w.conn != nil {
		return w.conn.Close(ctx)
	}
	return nil
}

func backoff(errorCount int) time.Duration {
	const maxBackoff = 30 * time.Second
	d := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
	return min(d, maxBackoff)
}

func (w *Watcher) receiveLoop(ctx context.Context) {
	defer w.wg.Done()

	errorCount := 0
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.receiveMessage(ctx); err != nil {
			errorCount++
			wait := backoff(errorCount)
			w.logger.Warn("Error receiving replication message", "error", err, "retry_in", wait)
			if w.alerts != nil {
				_ = w.alerts.SendSystemAlert(
					"Journal Replication Lost",
					fmt.Sprintf("Failed to receive replication message: %v. Retrying in %v...", err, wait),
					"danger",
				)
			}

			select {
			case <-time.After(wait):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		errorCount = 0
	}
}

func (w *Watcher) receiveMessage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg, err := w.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	if cd, ok := msg.(*pgproto3.CopyData); ok {
		return w.handleCopyData(ctx, cd.Data)
	}
	return nil
}

func (w *Watcher) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			return pglogrepl.SendStandbyStatusUpdate(ctx, w.conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: w.LSN()})
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse xlog data: %w", err)
		}
		lsn := xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		if err := w.processWALData(xld.WALData, lsn); err != nil {
			return err
		}
		w.mu.Lock()
		w.currentLSN = max(w.currentLSN, lsn)
		w.mu.Unlock()
	}
	return nil
}

func (w *Watcher) processWALData(walData []byte, lsn pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		w.relations[msg.RelationID] = msg
	case *pglogrepl.InsertMessage:
		return w.decode(msg.RelationID, ChangeInsert, msg.Tuple, nil, lsn)
	case *pglogrepl.UpdateMessage:
		return w.decode(msg.RelationID, ChangeUpdate, msg.NewTuple, msg.OldTuple, lsn)
	case *pglogrepl.DeleteMessage:
		return w.decode(msg.RelationID, ChangeDelete, nil, msg.OldTuple, lsn)
	}
	return nil
}

func (w *Watcher) decode(relationID uint32, t ChangeType, newTuple, oldTuple *pglogrepl.TupleData, lsn pglogrepl.LSN) error {
	rel, ok := w.relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", relationID)
	}
	w.HandleChange(&Change{
		Table:   rel.RelationName,
		Type:    t,
		NewData: tupleToMap(rel, newTuple),
		OldData: tupleToMap(rel, oldTuple),
		LSN:     lsn,
	})
	return nil
}

// HandleChange classifies one decoded change. It returns the tampering
// error raised for it, if any.
func (w *Watcher) HandleChange(ch *Change) *TamperingError {
	if ch.Table != w.config.Table {
		return nil
	}

	if ch.Type == ChangeInsert {
		w.mu.Lock()
		w.inserts++
		w.mu.Unlock()
		return nil
	}

	row := ch.OldData
	if row == nil {
		row = ch.NewData
	}
	te := &TamperingError{Table: ch.Table, Operation: ch.Type, Row: row}

	w.mu.Lock()
	w.violations = append(w.violations, te)
	w.mu.Unlock()

	w.logger.Error("JOURNAL TAMPERING DETECTED", "operation", string(ch.Type), "lsn", ch.LSN.String(), "error", te)
	if w.alerts != nil {
		if err := w.alerts.SendSystemAlert("Journal Tampering Detected", te.Error(), "danger"); err != nil {
			w.logger.Warn("Failed to send tampering alert", "error", err)
		}
	}
	if w.publisher != nil {
		w.publisher.Publish(events.Event{
			Kind:    events.IntegrityViolation,
			At:      time.Now(),
			Message: te.Error(),
		})
	}
	return te
}

func tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	if tuple == nil {
		return nil
	}
	values := make(map[string]interface{}, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			values[name] = nil
		case 't':
			values[name] = string(col.Data)
		}
	}
	return values
}

func (w *Watcher) LSN() pglogrepl.LSN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentLSN
}

func (w *Watcher) Inserts() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inserts
}

func (w *Watcher) Violations() []*TamperingError {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*TamperingError(nil), w.violations...)
}
