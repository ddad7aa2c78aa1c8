// Package journal copies applied operations into a PostgreSQL audit table
// and watches that table for rows changed after the fact.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/types"
)

var validIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name can be used as a table, slot or
// publication name without quoting surprises.
func ValidIdentifier(name string) bool {
	return validIdentifier.MatchString(name)
}

type Config struct {
	ConnString string
	Table      string
}

// Row is one journaled operation.
type Row struct {
	Node      types.NodeID
	Key       operation.Key
	Kind      operation.Kind
	Index     types.LogIndex
	Digest    types.Digest
	Success   bool
	Error     string
	AppliedAt time.Time
	LSN       pglogrepl.LSN
}

type Journal struct {
	node   types.NodeID
	table  string
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu      sync.RWMutex
	lastLSN pglogrepl.LSN
	written uint64
}

func New(ctx context.Context, node types.NodeID, cfg Config, logger *slog.Logger) (*Journal, error) {
	if !ValidIdentifier(cfg.Table) {
		return nil, fmt.Errorf("invalid journal table name: %q", cfg.Table)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	j := &Journal{
		node:   node,
		table:  cfg.Table,
		pool:   pool,
		logger: logger.With("component", "journal"),
	}
	if err := j.createTableIfNotExists(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() {
	j.pool.Close()
}

func (j *Journal) Table() string {
	return j.table
}

func (j *Journal) ident() string {
	return pgx.Identifier{j.table}.Sanitize()
}

func (j *Journal) createTableIfNotExists(ctx context.Context) error {
	_, err := j.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	node         TEXT        NOT NULL,
	initiator    TEXT        NOT NULL,
	operation_id BIGINT      NOT NULL,
	kind         TEXT        NOT NULL,
	log_index    BIGINT      NOT NULL,
	digest       TEXT        NOT NULL,
	success      BOOLEAN     NOT NULL,
	error        TEXT        NOT NULL DEFAULT '',
	applied_at   TIMESTAMPTZ NOT NULL,
	lsn          TEXT        NOT NULL,
	PRIMARY KEY (node, initiator, operation_id)
)`, j.ident()))
	if err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

// Record journals rec and remembers the WAL position of the insert. A record
// already journaled by this node is left untouched.
func (j *Journal) Record(ctx context.Context, rec *storage.AppliedRecord) error {
	var lsnText string
	err := j.pool.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s
	(node, initiator, operation_id, kind, log_index, digest, success, error, applied_at, lsn)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, pg_current_wal_lsn()::text)
ON CONFLICT (node, initiator, operation_id) DO NOTHING
RETURNING lsn`, j.ident()),
		j.node.String(),
		rec.Key.Initiator.String(),
		int64(rec.Key.OperationID),
		string(rec.Kind),
		int64(rec.Index),
		rec.Digest.String(),
		rec.Success,
		rec.Error,
		rec.AppliedAt,
	).Scan(&lsnText)
	if errors.Is(err, pgx.ErrNoRows) {
		j.logger.Debug("Operation already journaled", "operation", rec.Key.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to journal operation %s: %w", rec.Key, err)
	}

	lsn, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		return fmt.Errorf("failed to parse journal LSN %q: %w", lsnText, err)
	}

	j.mu.Lock()
	j.lastLSN = lsn
	j.written++
	j.mu.Unlock()
	return nil
}

// Rows returns every row journaled by this node in log order.
func (j *Journal) Rows(ctx context.Context) ([]Row, error) {
	rows, err := j.pool.Query(ctx, fmt.Sprintf(`SELECT initiator, operation_id, kind, log_index, digest, success, error, applied_at, lsn
FROM %s WHERE node = $1 ORDER BY log_index, initiator, operation_id`, j.ident()), j.node.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var initiator, kind, digest, lsnText string
		var opID, index int64
		r := Row{Node: j.node}
		if err := rows.Scan(&initiator, &opID, &kind, &index, &digest, &r.Success, &r.Error, &r.AppliedAt, &lsnText); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if r.Key.Initiator, err = types.ParseNodeID(initiator); err != nil {
			return nil, fmt.Errorf("journal row has bad initiator: %w", err)
		}
		if err := r.Digest.UnmarshalText([]byte(digest)); err != nil {
			return nil, fmt.Errorf("journal row has bad digest: %w", err)
		}
		if r.LSN, err = pglogrepl.ParseLSN(lsnText); err != nil {
			return nil, fmt.Errorf("journal row has bad lsn: %w", err)
		}
		r.Key.OperationID = uint64(opID)
		r.Kind = operation.Kind(kind)
		r.Index = types.LogIndex(index)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Compare checks journaled rows against the local registry and returns a
// description of every row that disagrees with it.
func Compare(rows []Row, store *storage.Storage) ([]string, error) {
	var mismatches []string
	for _, r := range rows {
		rec, err := store.GetApplied(r.Key)
		if errors.Is(err, storage.ErrNotFound) {
			mismatches = append(mismatches, fmt.Sprintf("%s: journaled but not applied locally", r.Key))
			continue
		}
		if err != nil {
			return nil, err
		}
		switch {
		case rec.Digest != r.Digest:
			mismatches = append(mismatches, fmt.Sprintf("%s: digest differs from registry", r.Key))
		case rec.Index != r.Index:
			mismatches = append(mismatches, fmt.Sprintf("%s: journaled at index %d, applied at %d", r.Key, r.Index, rec.Index))
		case rec.Success != r.Success:
			mismatches = append(mismatches, fmt.Sprintf("%s: outcome differs from registry", r.Key))
		}
	}
	return mismatches, nil
}

func (j *Journal) LastLSN() pglogrepl.LSN {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastLSN
}

func (j *Journal) Written() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.written
}
