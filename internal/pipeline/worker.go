package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgallion1/deckgen/internal/bridge"
	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/domain"
	"github.com/dgallion1/deckgen/internal/ledger"
	"github.com/dgallion1/deckgen/internal/parser"
)

// ErrNoDeckStore is returned when export is requested without a bridge.
var ErrNoDeckStore = errors.New("deck store bridge not configured")

// DeckStore is the deck store cards are read from and exported to.
// bridge.Client implements it.
type DeckStore interface {
	ListCategories(ctx context.Context) ([]string, error)
	Export(ctx context.Context, cands []domain.Candidate, fallbackDeck string) ([]bridge.DeckResult, error)
}

// Worker processes a single document job: parse, generate, optionally export.
// Every job gets a fresh Orchestrator, so duplicate detection is per job.
type Worker struct {
	gen   Generator
	store DeckStore
	cfg   config.Generation
	log   *zap.SugaredLogger
	sinks []ledger.Sink
}

// NewWorker creates a worker. store may be nil when no bridge is configured.
func NewWorker(gen Generator, store DeckStore, cfg config.Generation, log *zap.SugaredLogger, sinks ...ledger.Sink) *Worker {
	return &Worker{
		gen:   gen,
		store: store,
		cfg:   cfg.Normalized(),
		log:   log,
		sinks: sinks,
	}
}

// Process runs the full pipeline for a job.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "doc_id", job.DocID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !job.begin(cancel) {
		log.Infow("job cancelled before start")
		return
	}

	// Phase 1: Parse
	job.SetStatus(StatusParsing, "parsing")
	start := time.Now()
	p, err := parser.ForFile(job.Filename)
	if err != nil {
		log.Errorw("unsupported format", "error", err)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, "parsing")
		return
	}

	parsed, err := p.Parse(bytes.NewReader(job.FileData()), job.Filename)
	job.releaseFileData()
	if err != nil {
		log.Errorw("parse failed", "kind", domain.ErrExtraction, "error", err)
		job.AddError(fmt.Sprintf("parse: %s", err))
		job.SetStatus(StatusFailed, "parsing")
		return
	}
	for _, warn := range parsed.Warnings {
		log.Warnw("page skipped", "kind", domain.ErrExtraction, "page", warn.Page, "error", warn.Err)
		job.AddError(warn.Error())
	}

	doc := parsed.Document
	doc.ID = job.DocID
	if job.Title != "" {
		doc.Title = job.Title
	}
	job.setContentHash(ContentHashHex([]byte(doc.Text())))
	extraction := time.Since(start)

	// Phase 2: Generate
	categories := job.Options.Categories
	if len(categories) == 0 {
		categories, err = w.Categories(ctx)
		if err != nil {
			log.Warnw("deck store unavailable, using configured categories", "error", err)
		}
	}

	job.SetStatus(StatusGenerating, "generating")
	orch := New(w.gen, w.cfg, WithLogger(log), WithSinks(w.sinks...))
	events := orch.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			job.Observe(ev)
		}
	}()

	res, err := orch.Run(ctx, RunInput{Document: doc, Categories: categories, ExtractionTime: extraction})
	<-done
	if err != nil {
		log.Errorw("run rejected", "error", err)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, "generating")
		return
	}
	job.SetResult(res)
	for _, f := range res.Failures {
		job.AddError(fmt.Sprintf("%s %s: %s", f.Unit, f.ChunkID, f.ErrorKind))
	}
	if res.Cancelled {
		job.SetStatus(StatusCancelled, "generating")
		return
	}

	// Phase 3: Export
	exportFailed := false
	if job.Options.Export && len(res.Accepted) > 0 {
		job.SetStatus(StatusExporting, "exporting")
		if err := w.Export(ctx, job); err != nil {
			log.Errorw("export failed", "error", err)
			job.AddError(fmt.Sprintf("export: %s", err))
			exportFailed = true
		}
	}

	failed := res.FailedChunks()
	switch {
	case len(res.Chunks) > 0 && failed == len(res.Chunks):
		job.SetStatus(StatusFailed, "generating")
	case failed > 0 || exportFailed:
		job.SetStatus(StatusPartial, "done")
	default:
		job.SetStatus(StatusCompleted, "done")
	}
	log.Infow("job finished", "status", job.CurrentStatus(), "accepted", len(res.Accepted), "failed_chunks", failed)
}

// Export pushes the accepted cards of a finished job to the deck store.
func (w *Worker) Export(ctx context.Context, job *Job) error {
	if w.store == nil {
		return ErrNoDeckStore
	}
	res := job.Result()
	if res == nil {
		return fmt.Errorf("job %s has no result yet", job.ID)
	}
	results, err := w.store.Export(ctx, res.Accepted, w.cfg.FallbackCategory)
	job.SetExports(results)
	return err
}

// Categories returns the decks known to the store, enriched with the keyword
// hints of configured categories. Without a store, or when it cannot be
// reached, the configured categories are returned.
func (w *Worker) Categories(ctx context.Context) ([]domain.Category, error) {
	if w.store == nil {
		return w.cfg.Categories, nil
	}
	names, err := w.store.ListCategories(ctx)
	if err != nil {
		return w.cfg.Categories, err
	}
	return MergeCategories(w.cfg.Categories, names), nil
}

// MergeCategories lists names in order, taking keyword hints from a
// configured category with the same name (case-insensitive). Configured
// categories missing from names are appended.
func MergeCategories(configured []domain.Category, names []string) []domain.Category {
	out := make([]domain.Category, 0, len(names)+len(configured))
	used := make([]bool, len(configured))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cat := domain.Category{Name: name}
		for i, c := range configured {
			if !used[i] && strings.EqualFold(c.Name, name) {
				cat.KeywordHints = c.KeywordHints
				used[i] = true
				break
			}
		}
		out = append(out, cat)
	}
	for i, c := range configured {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}
