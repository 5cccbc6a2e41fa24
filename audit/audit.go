// Package audit persists an operation trail (session lifecycle, page
// lifecycle, every dispatched command) into a local SQLite database.
// Writes are asynchronous: entries go through a buffered channel into a
// batching flush loop, with a synchronous fallback when the buffer is full
// so no entry is dropped.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cverna/browserd/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS operation_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    operation TEXT NOT NULL,
    session_id TEXT,
    page_id TEXT,
    request_id TEXT,
    command TEXT,
    arguments TEXT NOT NULL DEFAULT '{}',
    outcome TEXT NOT NULL,
    error_message TEXT,
    duration_ms INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_oplog_timestamp ON operation_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_oplog_session ON operation_log(session_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_oplog_outcome ON operation_log(outcome);
`

// Operation names recorded in the trail.
const (
	OpSessionCreate = "session_create"
	OpSessionDelete = "session_delete"
	OpSessionEvict  = "session_evict"
	OpPageCreate    = "page_create"
	OpPageClose     = "page_close"
	OpCommand       = "command"
)

// Entry is one audit record.
type Entry struct {
	EntryID   string
	Timestamp time.Time
	Operation string

	SessionID string
	PageID    string
	RequestID string

	Command      string
	Arguments    string // JSON
	Outcome      string // "success" or a fault kind
	ErrorMessage string
	DurationMs   int64
}

// Filter selects entries from the trail.
type Filter struct {
	Since     *time.Time
	Until     *time.Time
	SessionID string
	Operation string
	Outcome   string
	Limit     int // default 100
}

// Trail is the asynchronous audit writer.
type Trail struct {
	db    *sql.DB
	log   *slog.Logger
	newID idgen.Generator
	ch    chan *Entry
	stop  chan struct{}
	done  chan struct{}
}

// Open creates (or opens) the SQLite database at path and starts the flush
// loop. Recommended bufferSize: 1000.
func Open(path string, bufferSize int, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	t := &Trail{
		db:    db,
		log:   logger,
		newID: idgen.Prefixed("aud_", idgen.Handle),
		ch:    make(chan *Entry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go t.flushLoop()
	return t, nil
}

// NewEntry builds a command entry from dispatch parameters.
func (t *Trail) NewEntry(operation, sessionID, pageID, command string, args any, err error, elapsed time.Duration) *Entry {
	e := &Entry{
		EntryID:    t.newID(),
		Timestamp:  time.Now(),
		Operation:  operation,
		SessionID:  sessionID,
		PageID:     pageID,
		Command:    command,
		Outcome:    "success",
		DurationMs: elapsed.Milliseconds(),
	}
	if args != nil {
		if b, merr := json.Marshal(args); merr == nil {
			e.Arguments = string(b)
		}
	}
	if err != nil {
		e.Outcome = "error"
		e.ErrorMessage = err.Error()
	}
	return e
}

// LogAsync queues an entry; when the buffer is full it inserts inline so
// the record is not lost.
func (t *Trail) LogAsync(e *Entry) {
	t.fillDefaults(e)
	select {
	case t.ch <- e:
	default:
		t.log.Warn("audit buffer full, sync fallback", "operation", e.Operation)
		if err := t.insert(context.Background(), e); err != nil {
			t.log.Error("audit sync fallback failed", "error", err)
		}
	}
}

// Log inserts an entry synchronously.
func (t *Trail) Log(ctx context.Context, e *Entry) error {
	t.fillDefaults(e)
	return t.insert(ctx, e)
}

func (t *Trail) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = t.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Arguments == "" {
		e.Arguments = "{}"
	}
	if e.Outcome == "" {
		if e.ErrorMessage != "" {
			e.Outcome = "error"
		} else {
			e.Outcome = "success"
		}
	}
}

// Query returns matching entries, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := `SELECT entry_id, timestamp, operation, session_id, page_id,
		request_id, command, arguments, outcome, error_message, duration_ms
		FROM operation_log WHERE 1=1`
	var args []any

	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	if f.Until != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.Unix())
	}
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, f.Outcome)
	}

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var sessionID, pageID, requestID, command, errorMessage sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(
			&e.EntryID, &ts, &e.Operation, &sessionID, &pageID,
			&requestID, &command, &e.Arguments, &e.Outcome, &errorMessage, &durationMs,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.SessionID = sessionID.String
		e.PageID = pageID.String
		e.RequestID = requestID.String
		e.Command = command.String
		e.ErrorMessage = errorMessage.String
		if durationMs.Valid {
			e.DurationMs = durationMs.Int64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (t *Trail) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := t.db.ExecContext(ctx, "DELETE FROM operation_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit trail: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer, stops the flush loop and closes the database.
func (t *Trail) Close() error {
	close(t.stop)
	<-t.done
	return t.db.Close()
}

func (t *Trail) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			t.log.Error("audit: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO operation_log
			(entry_id, timestamp, operation, session_id, page_id,
			 request_id, command, arguments, outcome, error_message, duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			t.log.Error("audit: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.EntryID, e.Timestamp.Unix(), e.Operation, e.SessionID, e.PageID,
				e.RequestID, e.Command, e.Arguments, e.Outcome, e.ErrorMessage, e.DurationMs,
			); err != nil {
				t.log.Error("audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			t.log.Error("audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-t.stop:
			for {
				select {
				case e := <-t.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-t.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (t *Trail) insert(ctx context.Context, e *Entry) error {
	_, err := t.db.ExecContext(ctx, `INSERT INTO operation_log
		(entry_id, timestamp, operation, session_id, page_id,
		 request_id, command, arguments, outcome, error_message, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.Operation, e.SessionID, e.PageID,
		e.RequestID, e.Command, e.Arguments, e.Outcome, e.ErrorMessage, e.DurationMs)
	return err
}
