package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go-data-migrate/internal/model"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// progressWriteInterval bounds how often a run row is refreshed when only
// its counters moved.
const progressWriteInterval = time.Second

// Journal is an audit trail of migration runs kept in sqlite.
type Journal struct {
	db       *sql.DB
	logger   *slog.Logger
	interval time.Duration
}

// OpenJournal opens (creating if needed) the journal at dbPath.
func OpenJournal(dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	runTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		migration TEXT,
		project_id TEXT,
		dataset TEXT,
		source TEXT,
		dry_run BOOLEAN,
		status TEXT,
		documents INTEGER DEFAULT 0,
		mutations INTEGER DEFAULT 0,
		error_message TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);
	`
	transactionTable := `
	CREATE TABLE IF NOT EXISTS run_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		transaction_id TEXT,
		sequence INTEGER,
		document_ids TEXT,
		commit_id TEXT,
		attempts INTEGER,
		error_message TEXT,
		created_at DATETIME
	);
	`
	errorTable := `
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		document_id TEXT,
		error_message TEXT,
		created_at DATETIME
	);
	`
	for _, stmt := range []string{runTable, transactionTable, errorTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create journal tables")
		}
	}
	return &Journal{db: db, logger: logger, interval: progressWriteInterval}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// RunInfo describes a run when it starts.
type RunInfo struct {
	Migration string
	ProjectID string
	Dataset   string
	// Source is "live" or the archive path.
	Source string
	DryRun bool
}

// Run records one run. Its methods are safe to use as a progress sink.
type Run struct {
	ID string

	j         *Journal
	mu        sync.Mutex
	seenTx    int
	seenErr   int
	state     model.RunState
	lastWrite time.Time
	writes    int
	err       error
}

// StartRun inserts a new run in the running state.
func (j *Journal) StartRun(ctx context.Context, info RunInfo) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := j.db.ExecContext(ctx, `INSERT INTO runs (id, migration, project_id, dataset, source, dry_run, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, info.Migration, info.ProjectID, info.Dataset, info.Source, info.DryRun, string(model.StateRunning), now, now)
	if err != nil {
		return nil, errors.Wrap(err, "record run")
	}
	return &Run{ID: id, j: j, state: model.StateRunning, lastWrite: now}, nil
}

// Observe persists what changed since the previous snapshot. Snapshots that
// only move counters are written at most once per interval. Failures are
// logged and kept for Err; they never interrupt the migration.
func (r *Run) Observe(p model.MigrationProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.changed(p) {
		return
	}
	if err := r.observe(p); err != nil {
		if r.err == nil {
			r.j.logger.Warn("journal write failed", "run", r.ID, "error", err)
			r.err = err
		}
	}
}

func (r *Run) changed(p model.MigrationProgress) bool {
	return p.Done ||
		p.State != r.state ||
		len(p.CompletedTransactions) != r.seenTx ||
		len(p.TransformErrors) != r.seenErr ||
		time.Since(r.lastWrite) >= r.j.interval
}

func (r *Run) observe(p model.MigrationProgress) error {
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := r.j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, res := range p.CompletedTransactions[min(r.seenTx, len(p.CompletedTransactions)):] {
		ids, err := json.Marshal(res.DocumentIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_transactions (run_id, transaction_id, sequence, document_ids, commit_id, attempts, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, res.TransactionID, res.Sequence, string(ids), res.CommitID, res.Attempts, res.Error, now); err != nil {
			return err
		}
	}
	for _, de := range p.TransformErrors[min(r.seenErr, len(p.TransformErrors)):] {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_errors (run_id, document_id, error_message, created_at) VALUES (?, ?, ?, ?)`,
			r.ID, de.DocumentID, de.Message, now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, documents = ?, mutations = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(p.State), p.Documents, p.Mutations, p.Error, now, r.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.seenTx = len(p.CompletedTransactions)
	r.seenErr = len(p.TransformErrors)
	r.state = p.State
	r.lastWrite = now
	r.writes++
	return nil
}

// Err returns the first write failure, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// RunRecord is a journaled run.
type RunRecord struct {
	ID        string    `json:"id"`
	Migration string    `json:"migration"`
	ProjectID string    `json:"project_id"`
	Dataset   string    `json:"dataset"`
	Source    string    `json:"source"`
	DryRun    bool      `json:"dry_run"`
	Status    string    `json:"status"`
	Documents int       `json:"documents"`
	Mutations int       `json:"mutations"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListRuns returns the most recent runs first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT id, migration, project_id, dataset, source, dry_run, status, documents, mutations, COALESCE(error_message, ''), created_at, updated_at FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Migration, &r.ProjectID, &r.Dataset, &r.Source, &r.DryRun, &r.Status, &r.Documents, &r.Mutations, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TransactionRecord is a journaled transaction outcome.
type TransactionRecord struct {
	TransactionID string    `json:"transaction_id"`
	Sequence      int       `json:"sequence"`
	DocumentIDs   []string  `json:"document_ids"`
	CommitID      string    `json:"commit_id,omitempty"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// GetTransactions returns a run's transactions in submission order.
func (j *Journal) GetTransactions(ctx context.Context, runID string) ([]TransactionRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT transaction_id, sequence, document_ids, commit_id, attempts, COALESCE(error_message, ''), created_at FROM run_transactions WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var t TransactionRecord
		var ids string
		if err := rows.Scan(&t.TransactionID, &t.Sequence, &ids, &t.CommitID, &t.Attempts, &t.Error, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		if err := json.Unmarshal([]byte(ids), &t.DocumentIDs); err != nil {
			return nil, errors.Wrap(err, "decode document ids")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
