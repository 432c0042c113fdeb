// Package ledger records chunk failures and rejected cards. Entries are
// append-only: once recorded they are never changed or removed.
package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgallion1/deckgen/internal/domain"
)

// Unit names what a failure record refers to.
const (
	UnitChunk      = "chunk"
	UnitRefinement = "refinement"
)

// FailureRecord describes a chunk (or refinement call) that reached a
// terminal failure.
type FailureRecord struct {
	RunID        string           `json:"run_id"`
	ChunkID      string           `json:"chunk_id"`
	Unit         string           `json:"unit"`
	ErrorKind    domain.ErrorKind `json:"error_kind"`
	AttemptCount int              `json:"attempt_count"`
	Message      string           `json:"message,omitempty"`
	ChunkPreview string           `json:"chunk_preview,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// RejectionRecord describes a candidate the validator turned down.
type RejectionRecord struct {
	RunID         string    `json:"run_id"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	Reason        string    `json:"reason"`
	SourceChunkID string    `json:"source_chunk_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink persists ledger entries outside the process. Writes are serialized by
// the Ledger, so implementations see one call at a time per Ledger.
type Sink interface {
	WriteFailure(FailureRecord) error
	WriteRejection(RejectionRecord) error
}

// Ledger is the in-memory record of one run, mirrored to zero or more sinks.
// It is safe for concurrent use.
type Ledger struct {
	runID string
	log   *zap.SugaredLogger
	sinks []Sink
	now   func() time.Time

	mu         sync.Mutex
	failures   []FailureRecord
	rejections []RejectionRecord
}

// New creates a ledger for runID. Sinks are borrowed: the caller closes them.
func New(runID string, log *zap.SugaredLogger, sinks ...Sink) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		runID: runID,
		log:   log,
		sinks: sinks,
		now:   time.Now,
	}
}

// RecordFailure appends a failure. Sink errors are logged, never returned:
// the in-memory ledger stays authoritative for the run summary.
func (l *Ledger) RecordFailure(rec FailureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.RunID = l.runID
	if rec.Unit == "" {
		rec.Unit = UnitChunk
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	l.failures = append(l.failures, rec)
	for _, s := range l.sinks {
		if err := s.WriteFailure(rec); err != nil {
			l.log.Warnw("ledger sink write failed", "kind", "failure", "chunk_id", rec.ChunkID, "error", err)
		}
	}
}

// RecordRejection appends a rejected candidate.
func (l *Ledger) RecordRejection(c domain.Candidate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := RejectionRecord{
		RunID:         l.runID,
		Question:      c.Question,
		Answer:        c.Answer,
		Reason:        c.RejectionReason,
		SourceChunkID: c.SourceChunkID,
		Timestamp:     l.now().UTC(),
	}
	l.rejections = append(l.rejections, rec)
	for _, s := range l.sinks {
		if err := s.WriteRejection(rec); err != nil {
			l.log.Warnw("ledger sink write failed", "kind", "rejection", "chunk_id", rec.SourceChunkID, "error", err)
		}
	}
}

// Failures returns a copy of every failure recorded so far.
func (l *Ledger) Failures() []FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FailureRecord(nil), l.failures...)
}

// Rejections returns a copy of every rejection recorded so far.
func (l *Ledger) Rejections() []RejectionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RejectionRecord(nil), l.rejections...)
}

// Counts returns the number of failures and rejections.
func (l *Ledger) Counts() (failures, rejections int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures), len(l.rejections)
}
