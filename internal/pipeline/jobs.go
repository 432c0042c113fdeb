package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/dgallion1/deckgen/internal/bridge"
	"github.com/dgallion1/deckgen/internal/domain"
)

// JobStatus represents the state of a generation job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusParsing    JobStatus = "parsing"
	StatusGenerating JobStatus = "generating"
	StatusExporting  JobStatus = "exporting"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusPartial    JobStatus = "partial"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// JobOptions are the per-upload choices made by the caller.
type JobOptions struct {
	Export     bool
	Categories []domain.Category
}

// Job tracks the state of a single document run submitted over HTTP.
type Job struct {
	mu sync.Mutex

	ID    string `json:"job_id"`
	DocID string `json:"doc_id"`

	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Filename string    `json:"filename"`
	Title    string    `json:"title"`

	Progress Progress `json:"progress"`

	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Options JobOptions `json:"-"`

	// Internal: not serialized.
	fileData  []byte
	errors    []string
	result    *RunResult
	exports   []bridge.DeckResult
	cancel    context.CancelFunc
	cancelled bool
}

// Progress tracks processing progress. Counts come from run events while
// the job is generating and from the run result once it has finished.
type Progress struct {
	TotalChunks     int      `json:"total_chunks"`
	ChunksProcessed int      `json:"chunks_processed"`
	ChunksFailed    int      `json:"chunks_failed"`
	CardsAccepted   int      `json:"cards_accepted"`
	CardsRejected   int      `json:"cards_rejected"`
	CardsExported   int      `json:"cards_exported"`
	Errors          []string `json:"errors"`
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cleanup removes finished jobs not touched within the TTL.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		job.mu.Lock()
		expired := job.Status.Terminal() && now.Sub(job.UpdatedAt) > s.ttl
		job.mu.Unlock()
		if expired {
			delete(s.jobs, id)
		}
	}
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
}

// CurrentStatus returns the status under the job lock.
func (j *Job) CurrentStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// AddError records an error.
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, err)
	j.Progress.Errors = j.errors
	j.UpdatedAt = time.Now()
}

func (j *Job) setContentHash(h string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ContentHash = h
}

// SetTotalChunks records total chunk count.
func (j *Job) SetTotalChunks(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.TotalChunks = n
	j.UpdatedAt = time.Now()
}

// Observe folds a run event into the progress counters.
func (j *Job) Observe(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch ev.Type {
	case EventRunStarted:
		j.Progress.TotalChunks = ev.Total
	case EventChunkSucceeded:
		j.Progress.ChunksProcessed++
		j.Progress.CardsAccepted += ev.Accepted
		j.Progress.CardsRejected += ev.Rejected
	case EventChunkFailed:
		j.Progress.ChunksProcessed++
		j.Progress.ChunksFailed++
	default:
		return
	}
	j.UpdatedAt = time.Now()
}

// SetResult stores the finished run and replaces the event-derived counts
// with the authoritative ones.
func (j *Job) SetResult(res *RunResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = res
	j.Progress.TotalChunks = len(res.Chunks)
	j.Progress.ChunksProcessed = len(res.Chunks)
	j.Progress.ChunksFailed = res.FailedChunks()
	j.Progress.CardsAccepted = len(res.Accepted)
	j.Progress.CardsRejected = len(res.Rejected)
	j.UpdatedAt = time.Now()
}

// Result returns the finished run, or nil while the job is still running.
func (j *Job) Result() *RunResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// SetExports records the outcome of pushing cards to the deck store.
func (j *Job) SetExports(results []bridge.DeckResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.exports = results
	j.Progress.CardsExported = 0
	for _, r := range results {
		j.Progress.CardsExported += r.Added
	}
	j.UpdatedAt = time.Now()
}

// SetFileData sets the raw file bytes for processing.
func (j *Job) SetFileData(data []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fileData = data
}

// FileData returns the raw file bytes.
func (j *Job) FileData() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fileData
}

func (j *Job) releaseFileData() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fileData = nil
}

// begin attaches the cancel func of the processing context. It returns false
// when the job was cancelled while still queued.
func (j *Job) begin(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.cancel = cancel
	return true
}

// Cancel stops the job. A queued job is marked cancelled at once; a running
// job finishes in-flight work and then reports cancelled. It returns false
// for jobs that have already finished.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status.Terminal() || j.cancelled {
		return false
	}
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
	if j.Status == StatusQueued {
		j.Status = StatusCancelled
		j.Phase = "queued"
		j.fileData = nil
	}
	j.UpdatedAt = time.Now()
	return true
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID       string              `json:"job_id"`
	DocID    string              `json:"doc_id"`
	Status   JobStatus           `json:"status"`
	Phase    string              `json:"phase"`
	Filename string              `json:"filename"`
	Title    string              `json:"title"`
	Progress Progress            `json:"progress"`
	Exports  []bridge.DeckResult `json:"exports,omitempty"`
	Summary  string              `json:"summary,omitempty"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	errs := append([]string{}, j.Progress.Errors...)
	p := j.Progress
	p.Errors = errs
	snap := JobSnapshot{
		ID:       j.ID,
		DocID:    j.DocID,
		Status:   j.Status,
		Phase:    j.Phase,
		Filename: j.Filename,
		Title:    j.Title,
		Progress: p,
		Exports:  append([]bridge.DeckResult(nil), j.exports...),
	}
	if j.result != nil {
		snap.Summary = j.result.Summary()
	}
	return snap
}

// ContentHashHex computes SHA-256 of content and returns hex string.
func ContentHashHex(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:])
}
