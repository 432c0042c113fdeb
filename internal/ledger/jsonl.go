package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File names written by JSONLSink inside its directory.
const (
	FailedChunksFile  = "failed_chunks_log.jsonl"
	RejectedCardsFile = "rejected_cards_log.jsonl"
)

// JSONLSink appends one JSON object per line to two files. It can be shared by
// several ledgers; writes are serialized internally.
type JSONLSink struct {
	mu       sync.Mutex
	failures *os.File
	rejected *os.File
}

// OpenJSONL opens (creating if needed) the two log files under dir.
func OpenJSONL(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	failures, err := openAppend(filepath.Join(dir, FailedChunksFile))
	if err != nil {
		return nil, err
	}
	rejected, err := openAppend(filepath.Join(dir, RejectedCardsFile))
	if err != nil {
		failures.Close()
		return nil, err
	}
	return &JSONLSink{failures: failures, rejected: rejected}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func (s *JSONLSink) WriteFailure(rec FailureRecord) error {
	return s.writeLine(s.failures, rec)
}

func (s *JSONLSink) WriteRejection(rec RejectionRecord) error {
	return s.writeLine(s.rejected, rec)
}

func (s *JSONLSink) writeLine(f *os.File, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return nil
}

// Close closes both files.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.failures.Close(), s.rejected.Close())
}
