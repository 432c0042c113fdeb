package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgallion1/deckgen/internal/chunker"
	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/domain"
	"github.com/dgallion1/deckgen/internal/extract"
	"github.com/dgallion1/deckgen/internal/ledger"
)

// Generator is the text-generation collaborator. extract.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.RawModelResponse, error)
}

// Orchestrator drives the chunks of a document through generation, parsing,
// validation and categorization. One Orchestrator is one session: its
// validator remembers accepted questions across every run it performs.
type Orchestrator struct {
	gen       Generator
	cfg       config.Generation
	log       *zap.SugaredLogger
	sinks     []ledger.Sink
	strategy  Strategy
	validator *extract.Validator
	events    broadcaster
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithSinks mirrors every ledger entry to the given sinks.
func WithSinks(sinks ...ledger.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithStrategy overrides the dispatch strategy. Deterministic mode ignores it.
func WithStrategy(s Strategy) Option {
	return func(o *Orchestrator) { o.strategy = s }
}

// New creates an orchestrator. cfg is normalized and then frozen.
func New(gen Generator, cfg config.Generation, opts ...Option) *Orchestrator {
	cfg = cfg.Normalized()
	o := &Orchestrator{
		gen: gen,
		cfg: cfg,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(o)
	}

	vcfg := extract.DefaultValidatorConfig()
	vcfg.FilterYesNo = cfg.FilterYesNo
	o.validator = extract.NewValidator(vcfg)

	switch {
	case cfg.Deterministic:
		o.strategy = Sequential{}
	case o.strategy == nil:
		o.strategy = Parallel{Limit: min(cfg.Concurrency, runtime.NumCPU())}
	}
	return o
}

// Config returns the frozen configuration.
func (o *Orchestrator) Config() config.Generation { return o.cfg }

// Subscribe returns a channel of progress events for the next run. Events are
// dropped rather than delivered late when the buffer is full. The channel is
// closed when that run ends.
func (o *Orchestrator) Subscribe(buffer int) <-chan Event {
	return o.events.subscribe(buffer)
}

// RunInput is one document to turn into cards.
type RunInput struct {
	Document domain.SourceDocument
	// Categories override the configured categories when non-empty.
	Categories []domain.Category
	// ExtractionTime is how long document decoding took, reported in metrics.
	ExtractionTime time.Duration
}

// ChunkReport is the terminal outcome of one chunk.
type ChunkReport struct {
	Chunk     domain.Chunk       `json:"chunk"`
	Attempts  int                `json:"attempts"`
	Accepted  []domain.Candidate `json:"accepted"`
	Rejected  []domain.Candidate `json:"rejected"`
	ErrorKind domain.ErrorKind   `json:"error_kind,omitempty"`
	Err       string             `json:"error,omitempty"`
}

// RefinementStats accounts for every refinement call of a run.
type RefinementStats struct {
	Attempted int `json:"attempted"`
	Refined   int `json:"refined"`
	Unchanged int `json:"unchanged"`
}

// RunResult is the outcome of a run. Accepted and Rejected are ordered by
// chunk sequence, then by position in the model response.
type RunResult struct {
	RunID         string                 `json:"run_id"`
	DocumentID    string                 `json:"document_id"`
	Chunks        []ChunkReport          `json:"chunks"`
	Accepted      []domain.Candidate     `json:"accepted"`
	Rejected      []domain.Candidate     `json:"rejected"`
	Failures      []ledger.FailureRecord `json:"failures"`
	Refinement    RefinementStats        `json:"refinement"`
	Metrics       MetricsSnapshot        `json:"metrics"`
	Cancelled     bool                   `json:"cancelled"`
	DroppedEvents int                    `json:"dropped_events"`
}

// FailedChunks counts chunks whose terminal status is failed.
func (r *RunResult) FailedChunks() int {
	n := 0
	for _, c := range r.Chunks {
		if c.Chunk.Status == domain.ChunkFailed {
			n++
		}
	}
	return n
}

// Summary renders the run report shown to users.
func (r *RunResult) Summary() string {
	s := r.Metrics.Summary()
	if r.Refinement.Attempted > 0 {
		s += fmt.Sprintf("\nRefinement: %d refined, %d unchanged", r.Refinement.Refined, r.Refinement.Unchanged)
	}
	if r.Cancelled {
		s += "\nRun was cancelled."
	}
	return s
}

// run holds the state shared by the tasks of a single Run call.
type run struct {
	o       *Orchestrator
	id      string
	log     *zap.SugaredLogger
	led     *ledger.Ledger
	metrics *Metrics
	matcher *extract.Matcher
	rng     *lockedRand
	policy  RetryPolicy
	allowed []string
	total   int
}

// Run processes one document. It returns an error only when the input is
// rejected before generation starts; chunk-level failures are reported in the
// result. A cancelled ctx stops dispatch and yields a partial result.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	defer o.events.closeAll()

	cfg := o.cfg
	runID := uuid.NewString()
	log := o.log.With("run_id", runID, "document_id", in.Document.ID)
	metrics := NewMetrics()
	if in.ExtractionTime > 0 {
		metrics.Observe(PhaseExtraction, in.ExtractionTime)
	}

	budget := cfg.ChunkChars
	if budget <= 0 {
		budget = chunker.BudgetFor(cfg.ContextWindow, cfg.Density)
	}
	guard := ResourceGuard{MaxInputBytes: cfg.MaxInputBytes, MaxChunks: cfg.MaxChunks}
	size := in.Document.Size()
	if err := guard.Check(size, chunker.EstimateChunkCount(size, budget)); err != nil {
		log.Warnw("input rejected", "bytes", size, "error", err)
		return nil, err
	}

	start := time.Now()
	chunks := chunker.Split(in.Document, chunker.Config{
		MaxSize:            budget,
		Unit:               chunker.UnitChars,
		CustomInstructions: cfg.CustomInstructions,
	})
	metrics.Observe(PhaseChunking, time.Since(start))
	if err := guard.Check(size, len(chunks)); err != nil {
		log.Warnw("input rejected", "chunks", len(chunks), "error", err)
		return nil, err
	}
	metrics.setChunks(len(chunks))

	categories := in.Categories
	if len(categories) == 0 {
		categories = cfg.Categories
	}
	seed := uint64(cfg.Seed)
	if !cfg.Deterministic {
		seed = rand.Uint64()
	}
	r := &run{
		o:       o,
		id:      runID,
		log:     log,
		led:     ledger.New(runID, log, o.sinks...),
		metrics: metrics,
		matcher: extract.NewMatcher(categories, cfg.CategoryThreshold, cfg.FallbackCategory),
		rng:     newLockedRand(seed),
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		allowed: domain.CategoryNames(categories),
		total:   len(chunks),
	}

	log.Infow("run started", "chunks", len(chunks), "budget", budget, "deterministic", cfg.Deterministic, "density", cfg.Density)
	o.events.emit(Event{Type: EventRunStarted, RunID: runID, Total: len(chunks)})

	reports := make([]ChunkReport, len(chunks))
	for i, c := range chunks {
		reports[i] = ChunkReport{Chunk: c}
	}
	o.strategy.Run(ctx, len(chunks), func(i int) {
		reports[i] = r.processChunk(ctx, chunks[i])
	})

	// Chunks never dispatched because of cancellation still need a terminal status.
	for i := range reports {
		if reports[i].Chunk.Status.Terminal() {
			continue
		}
		reports[i] = r.fail(reports[i], fmt.Errorf("not dispatched: %w", context.Canceled))
	}

	res := &RunResult{
		RunID:      runID,
		DocumentID: in.Document.ID,
		Chunks:     reports,
		Accepted:   []domain.Candidate{},
		Rejected:   []domain.Candidate{},
		Cancelled:  ctx.Err() != nil,
	}
	for _, rep := range reports {
		res.Accepted = append(res.Accepted, rep.Accepted...)
		res.Rejected = append(res.Rejected, rep.Rejected...)
	}

	if cfg.Refine && len(res.Accepted) > 0 && ctx.Err() == nil {
		res.Refinement = r.refineAll(ctx, chunks, res.Accepted)
		// res.Accepted is the reports' cards in chunk order.
		off := 0
		for i := range res.Chunks {
			off += copy(res.Chunks[i].Accepted, res.Accepted[off:])
		}
	}

	res.Failures = r.led.Failures()
	res.Metrics = metrics.Snapshot()
	res.DroppedEvents = o.events.droppedCount()

	log.Infow("run completed",
		"chunks_succeeded", res.Metrics.ChunksSucceeded,
		"chunks_failed", res.Metrics.ChunksFailed,
		"accepted", len(res.Accepted),
		"rejected", len(res.Rejected),
		"cancelled", res.Cancelled,
		"wall_time", res.Metrics.WallTime,
	)
	o.events.emit(Event{
		Type:     EventRunCompleted,
		RunID:    runID,
		Total:    len(chunks),
		Accepted: len(res.Accepted),
		Rejected: len(res.Rejected),
	})
	return res, nil
}

func (r *run) request(chunk domain.Chunk, attempt int) domain.GenerationRequest {
	cfg := r.o.cfg
	allowed := append([]string(nil), r.allowed...)
	if cfg.SmartDeckMatch && !cfg.Deterministic && len(allowed) > 1 {
		r.rng.Shuffle(len(allowed), func(i, j int) { allowed[i], allowed[j] = allowed[j], allowed[i] })
	}
	return domain.GenerationRequest{
		Purpose:            domain.PurposeGenerate,
		Chunk:              chunk,
		Density:            cfg.Density,
		Language:           cfg.Language,
		CustomInstructions: cfg.CustomInstructions,
		ExcludeTrivia:      cfg.ExcludeTrivia,
		AllowedCategories:  allowed,
		AttemptNumber:      attempt,
	}
}

// generate calls the collaborator with retries. Each attempt gets its own
// timeout and is not interrupted by cancellation of ctx; cancellation only
// prevents further attempts.
func (r *run) generate(ctx context.Context, req domain.GenerationRequest, phase Phase, onRetry func(attempt int, err error, delay time.Duration)) (domain.RawModelResponse, int, error) {
	var (
		resp domain.RawModelResponse
		err  error
	)
	attempt := 1
	for ; ; attempt++ {
		req.AttemptNumber = attempt
		r.metrics.call(attempt > 1)

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.AttemptTimeout)
		start := time.Now()
		resp, err = r.o.gen.Generate(callCtx, req)
		cancel()
		r.metrics.Observe(phase, time.Since(start))

		if err == nil || !IsRetryable(err) || attempt >= r.policy.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("retry abandoned after %v: %w", err, ctx.Err())
			break
		}
		delay := r.policy.Backoff(attempt, r.rng)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if werr := sleepCtx(ctx, delay); werr != nil {
			err = fmt.Errorf("retry abandoned after %v: %w", err, werr)
			break
		}
	}
	return resp, attempt, err
}

func (r *run) processChunk(ctx context.Context, chunk domain.Chunk) ChunkReport {
	rep := ChunkReport{Chunk: chunk.WithStatus(domain.ChunkInFlight)}
	log := r.log.With("chunk_id", chunk.ID)
	r.o.events.emit(Event{Type: EventChunkStarted, RunID: r.id, ChunkID: chunk.ID, Sequence: chunk.SequenceIndex, Total: r.total})

	resp, attempts, err := r.generate(ctx, r.request(chunk, 1), PhaseGeneration, func(attempt int, err error, delay time.Duration) {
		log.Warnw("retryable generation error", "attempt", attempt, "delay", delay, "error", err)
		r.o.events.emit(Event{
			Type:     EventChunkRetry,
			RunID:    r.id,
			ChunkID:  chunk.ID,
			Sequence: chunk.SequenceIndex,
			Total:    r.total,
			Attempt:  attempt,
			Message:  err.Error(),
		})
	})
	rep.Attempts = attempts
	if err != nil {
		return r.fail(rep, err)
	}

	start := time.Now()
	records, err := extract.Parse(resp.Text)
	if err != nil {
		r.metrics.Observe(PhaseParsing, time.Since(start))
		return r.fail(rep, err)
	}
	var scores []float64
	for _, c := range records {
		c.SourceChunkID = chunk.ID
		c = r.o.validator.Validate(c)
		if c.ValidationStatus == domain.ValidationRejected {
			r.led.RecordRejection(c)
			rep.Rejected = append(rep.Rejected, c)
			continue
		}
		assigned, score := r.assign(c)
		rep.Accepted = append(rep.Accepted, assigned)
		scores = append(scores, score)
	}
	if r.o.cfg.SmartDeckMatch {
		r.matcher.CorrectToDominant(rep.Accepted, scores)
	}
	r.metrics.Observe(PhaseParsing, time.Since(start))

	rep.Chunk = chunk.WithStatus(domain.ChunkSucceeded)
	r.metrics.chunkDone(true, len(rep.Accepted), len(rep.Rejected))
	log.Debugw("chunk succeeded", "attempts", attempts, "accepted", len(rep.Accepted), "rejected", len(rep.Rejected))
	r.o.events.emit(Event{
		Type:     EventChunkSucceeded,
		RunID:    r.id,
		ChunkID:  chunk.ID,
		Sequence: chunk.SequenceIndex,
		Total:    r.total,
		Attempt:  attempts,
		Accepted: len(rep.Accepted),
		Rejected: len(rep.Rejected),
	})
	return rep
}

// assign picks the category of an accepted card. Content scoring only runs
// with smart deck matching; the score is zero otherwise.
func (r *run) assign(c domain.Candidate) (domain.Candidate, float64) {
	if !r.o.cfg.SmartDeckMatch {
		return r.matcher.AssignSuggested(c), 0
	}
	return r.matcher.Match(c)
}

// fail moves rep to the failed state and records it in the ledger.
func (r *run) fail(rep ChunkReport, err error) ChunkReport {
	kind := Classify(err)
	rep.Chunk = rep.Chunk.WithStatus(domain.ChunkFailed)
	rep.ErrorKind = kind
	rep.Err = err.Error()
	rep.Accepted = nil
	rep.Rejected = nil

	r.led.RecordFailure(ledger.FailureRecord{
		ChunkID:      rep.Chunk.ID,
		Unit:         ledger.UnitChunk,
		ErrorKind:    kind,
		AttemptCount: rep.Attempts,
		Message:      err.Error(),
		ChunkPreview: preview(rep.Chunk.Text, 120),
	})
	r.metrics.chunkDone(false, 0, 0)
	if kind == domain.ErrCancelled {
		r.log.Infow("chunk cancelled", "chunk_id", rep.Chunk.ID, "attempts", rep.Attempts)
	} else {
		r.log.Errorw("chunk failed", "chunk_id", rep.Chunk.ID, "kind", kind, "attempts", rep.Attempts, "error", err)
	}
	r.o.events.emit(Event{
		Type:      EventChunkFailed,
		RunID:     r.id,
		ChunkID:   rep.Chunk.ID,
		Sequence:  rep.Chunk.SequenceIndex,
		Total:     r.total,
		Attempt:   rep.Attempts,
		ErrorKind: kind,
		Message:   err.Error(),
	})
	return rep
}

// refineAll sends every accepted card through one refinement call. cards is
// updated in place; a card whose refinement fails is left as it was.
func (r *run) refineAll(ctx context.Context, chunks []domain.Chunk, cards []domain.Candidate) RefinementStats {
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	refined := make([]bool, len(cards))
	attempted := make([]bool, len(cards))
	r.o.strategy.Run(ctx, len(cards), func(i int) {
		attempted[i] = true
		next, ok := r.refineOne(ctx, byID[cards[i].SourceChunkID], cards[i])
		if ok {
			cards[i] = next
			refined[i] = true
		}
	})

	var st RefinementStats
	for i := range cards {
		if !attempted[i] {
			continue
		}
		st.Attempted++
		if refined[i] {
			st.Refined++
		} else {
			st.Unchanged++
		}
	}
	return st
}

func (r *run) refineOne(ctx context.Context, chunk domain.Chunk, c domain.Candidate) (domain.Candidate, bool) {
	cfg := r.o.cfg
	original := c
	req := domain.GenerationRequest{
		Purpose:           domain.PurposeRefine,
		Chunk:             chunk,
		Candidate:         &original,
		Density:           cfg.Density,
		Language:          cfg.Language,
		AllowedCategories: r.allowed,
	}
	resp, attempts, err := r.generate(ctx, req, PhaseRefinement, nil)
	if err == nil {
		var recs []domain.Candidate
		recs, err = extract.Parse(resp.Text)
		if err == nil && len(recs) == 0 {
			err = &extract.ParseError{Reason: "no refined card in response"}
		}
		if err == nil {
			next := recs[0]
			next.SourceChunkID = c.SourceChunkID
			if next.Quote == "" {
				next.Quote = c.Quote
			}
			if next.SuggestedCategory == "" {
				next.SuggestedCategory = c.Category
			}
			if reason := r.o.validator.Revalidate(c, next); reason != "" {
				r.refineFailed(c, attempts, domain.ErrValidationRejection, errors.New(reason))
				return c, false
			}
			next, _ = r.assign(next)
			next.ValidationStatus = domain.ValidationAccepted
			next.RejectionReason = ""
			next.Refined = true
			return next, true
		}
	}
	r.refineFailed(c, attempts, Classify(err), err)
	return c, false
}

func (r *run) refineFailed(c domain.Candidate, attempts int, kind domain.ErrorKind, err error) {
	r.led.RecordFailure(ledger.FailureRecord{
		ChunkID:      c.SourceChunkID,
		Unit:         ledger.UnitRefinement,
		ErrorKind:    kind,
		AttemptCount: attempts,
		Message:      err.Error(),
		ChunkPreview: preview(c.Question, 120),
	})
	r.log.Warnw("refinement kept original card", "chunk_id", c.SourceChunkID, "kind", kind, "error", err)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
