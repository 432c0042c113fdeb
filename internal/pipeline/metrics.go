package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Phase names a pipeline stage measured by Metrics.
type Phase string

const (
	PhaseExtraction Phase = "extraction"
	PhaseChunking   Phase = "chunking"
	PhaseGeneration Phase = "generation"
	PhaseParsing    Phase = "parsing"
	PhaseRefinement Phase = "refinement"
)

// PhaseStats is the cumulative time spent in a phase and how many times it ran.
type PhaseStats struct {
	Duration time.Duration `json:"duration_ns"`
	Count    int           `json:"count"`
}

// Metrics accumulates per-phase timings and run counters. Workers update it
// concurrently; it is read once when the run ends.
type Metrics struct {
	mu      sync.Mutex
	started time.Time
	phases  map[Phase]PhaseStats

	chunksTotal     int
	chunksSucceeded int
	chunksFailed    int
	cardsAccepted   int
	cardsRejected   int
	calls           int
	retries         int
}

func NewMetrics() *Metrics {
	return &Metrics{
		started: time.Now(),
		phases:  make(map[Phase]PhaseStats),
	}
}

// Observe adds one execution of phase p lasting d.
func (m *Metrics) Observe(p Phase, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.phases[p]
	s.Duration += d
	s.Count++
	m.phases[p] = s
}

func (m *Metrics) setChunks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksTotal = n
}

func (m *Metrics) chunkDone(ok bool, accepted, rejected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.chunksSucceeded++
	} else {
		m.chunksFailed++
	}
	m.cardsAccepted += accepted
	m.cardsRejected += rejected
}

func (m *Metrics) call(retry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if retry {
		m.retries++
	}
}

// MetricsSnapshot is the end-of-run view of Metrics.
type MetricsSnapshot struct {
	Phases          map[Phase]PhaseStats `json:"phases"`
	ChunksTotal     int                  `json:"chunks_total"`
	ChunksSucceeded int                  `json:"chunks_succeeded"`
	ChunksFailed    int                  `json:"chunks_failed"`
	CardsAccepted   int                  `json:"cards_accepted"`
	CardsRejected   int                  `json:"cards_rejected"`
	GenerationCalls int                  `json:"generation_calls"`
	Retries         int                  `json:"retries"`
	WallTime        time.Duration        `json:"wall_time_ns"`
	// Throughput is accepted cards per second of wall time.
	Throughput float64 `json:"throughput"`
}

// Snapshot copies the current state.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	phases := make(map[Phase]PhaseStats, len(m.phases))
	for k, v := range m.phases {
		phases[k] = v
	}
	wall := time.Since(m.started)
	var tput float64
	if secs := wall.Seconds(); secs > 0 {
		tput = float64(m.cardsAccepted) / secs
	}
	return MetricsSnapshot{
		Phases:          phases,
		ChunksTotal:     m.chunksTotal,
		ChunksSucceeded: m.chunksSucceeded,
		ChunksFailed:    m.chunksFailed,
		CardsAccepted:   m.cardsAccepted,
		CardsRejected:   m.cardsRejected,
		GenerationCalls: m.calls,
		Retries:         m.retries,
		WallTime:        wall,
		Throughput:      tput,
	}
}

// Summary renders a short human-readable report.
func (s MetricsSnapshot) Summary() string {
	return fmt.Sprintf(
		"Pipeline completed in %.2fs.\nChunks: %d/%d (failed: %d)\nCards: %d accepted, %d rejected (%.2f cards/s)",
		s.WallTime.Seconds(), s.ChunksSucceeded, s.ChunksTotal, s.ChunksFailed,
		s.CardsAccepted, s.CardsRejected, s.Throughput,
	)
}
