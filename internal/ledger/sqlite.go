package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/dgallion1/deckgen/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS failed_chunks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	chunk_id      TEXT NOT NULL,
	unit          TEXT NOT NULL,
	error_kind    TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	message       TEXT NOT NULL DEFAULT '',
	chunk_preview TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failed_chunks_run ON failed_chunks(run_id);
CREATE TABLE IF NOT EXISTS rejected_cards (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL,
	question        TEXT NOT NULL,
	answer          TEXT NOT NULL,
	reason          TEXT NOT NULL,
	source_chunk_id TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rejected_cards_run ON rejected_cards(run_id);
`

// SQLiteSink stores ledger entries in a SQLite database so failures from many
// runs can be queried later.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteSink, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// A single connection keeps appends ordered and makes :memory: usable.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) WriteFailure(rec FailureRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO failed_chunks (run_id, chunk_id, unit, error_kind, attempt_count, message, chunk_preview, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ChunkID, rec.Unit, string(rec.ErrorKind), rec.AttemptCount,
		rec.Message, rec.ChunkPreview, rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

func (s *SQLiteSink) WriteRejection(rec RejectionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO rejected_cards (run_id, question, answer, reason, source_chunk_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Question, rec.Answer, rec.Reason, rec.SourceChunkID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// FailuresForRun reads back the failures of one run in insertion order.
func (s *SQLiteSink) FailuresForRun(ctx context.Context, runID string) ([]FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, chunk_id, unit, error_kind, attempt_count, message, chunk_preview, created_at
		 FROM failed_chunks WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var rec FailureRecord
		var kind, ts string
		if err := rows.Scan(&rec.RunID, &rec.ChunkID, &rec.Unit, &kind, &rec.AttemptCount,
			&rec.Message, &rec.ChunkPreview, &ts); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		rec.ErrorKind = domain.ErrorKind(kind)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RejectionsForRun reads back the rejections of one run in insertion order.
func (s *SQLiteSink) RejectionsForRun(ctx context.Context, runID string) ([]RejectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, question, answer, reason, source_chunk_id, created_at
		 FROM rejected_cards WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()

	var out []RejectionRecord
	for rows.Next() {
		var rec RejectionRecord
		var ts string
		if err := rows.Scan(&rec.RunID, &rec.Question, &rec.Answer, &rec.Reason, &rec.SourceChunkID, &ts); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
