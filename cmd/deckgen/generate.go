package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dgallion1/deckgen/internal/app"
	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/domain"
	"github.com/dgallion1/deckgen/internal/parser"
	"github.com/dgallion1/deckgen/internal/pipeline"
)

var genOpts struct {
	density       string
	concurrency   int
	deterministic bool
	seed          int64
	refine        bool
	smartMatch    bool
	categories    []string
	language      string
	instructions  string
	chunkChars    int
	export        bool
	output        string
	quiet         bool
}

// generateCmd runs one document through the pipeline in-process
var generateCmd = &cobra.Command{
	Use:   "generate <file>",
	Short: "Generate flashcards from a document",
	Long: `Generate flashcards from a .txt, .md, .csv, .html, .pdf or .docx file.

The run result (accepted and rejected cards, per-chunk reports, failures and
metrics) is written as JSON to --output, or stdout when it is "-". Progress
and the summary go to stderr. Ctrl-C stops dispatching new chunks and still
writes the partial result.`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genOpts.density, "density", "", "Card density: low, medium or high")
	f.IntVar(&genOpts.concurrency, "concurrency", 0, "Maximum in-flight generation calls")
	f.BoolVar(&genOpts.deterministic, "deterministic", false, "Sequential, seeded, reproducible run")
	f.Int64Var(&genOpts.seed, "seed", config.DeterministicSeed, "Seed for deterministic mode")
	f.BoolVar(&genOpts.refine, "refine", false, "Run the refinement pass over accepted cards")
	f.BoolVar(&genOpts.smartMatch, "smart-deck-match", true, "Match categories on card content; off uses only the model's suggested deck")
	f.StringArrayVar(&genOpts.categories, "categories", nil, "Allowed category, repeatable; names may contain commas (default: deck store, then config)")
	f.StringVar(&genOpts.language, "language", "", "Language the cards are written in")
	f.StringVar(&genOpts.instructions, "instructions", "", "Custom instructions added to every prompt")
	f.IntVar(&genOpts.chunkChars, "chunk-chars", 0, "Explicit chunk budget in characters")
	f.BoolVar(&genOpts.export, "export", false, "Export accepted cards to the deck store")
	f.StringVarP(&genOpts.output, "output", "o", "-", "Where to write the JSON result")
	f.BoolVarP(&genOpts.quiet, "quiet", "q", false, "Do not print progress events")
}

// applyGenerateFlags overlays the flags the user actually set onto g.
func applyGenerateFlags(g config.Generation, flags *pflag.FlagSet) config.Generation {
	if flags.Changed("density") {
		g.Density = domain.ParseDensity(genOpts.density)
	}
	if flags.Changed("concurrency") {
		g.Concurrency = genOpts.concurrency
	}
	if flags.Changed("deterministic") {
		g.Deterministic = genOpts.deterministic
	}
	if flags.Changed("seed") {
		g.Seed = genOpts.seed
	}
	if flags.Changed("refine") {
		g.Refine = genOpts.refine
	}
	if flags.Changed("smart-deck-match") {
		g.SmartDeckMatch = genOpts.smartMatch
	}
	if flags.Changed("language") {
		g.Language = genOpts.language
	}
	if flags.Changed("instructions") {
		g.CustomInstructions = genOpts.instructions
	}
	if flags.Changed("chunk-chars") {
		g.ChunkChars = genOpts.chunkChars
	}
	return g.Normalized()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg.Generation = applyGenerateFlags(cfg.Generation, cmd.Flags())
	if err := cfg.Generation.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	doc, err := readDocument(args[0])
	if err != nil {
		return err
	}
	extraction := time.Since(start)

	svc, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	categories, err := resolveCategories(ctx, svc)
	if err != nil {
		logger.Warnw("deck store unavailable, using configured categories", "error", err)
	}

	orch := pipeline.New(svc.LLM, cfg.Generation, pipeline.WithLogger(logger), pipeline.WithSinks(svc.Sinks...))
	events := orch.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if !genOpts.quiet {
				printEvent(cmd.ErrOrStderr(), ev)
			}
		}
	}()

	res, err := orch.Run(ctx, pipeline.RunInput{Document: doc, Categories: categories, ExtractionTime: extraction})
	<-done
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), res.Summary())

	if genOpts.export && len(res.Accepted) > 0 && !res.Cancelled {
		if svc.Bridge == nil {
			return pipeline.ErrNoDeckStore
		}
		results, err := svc.Bridge.Export(ctx, res.Accepted, cfg.Generation.FallbackCategory)
		for _, r := range results {
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d/%d cards to %q\n", r.Added, r.Sent, r.Deck)
		}
		if err != nil {
			logger.Errorw("export failed", "error", err)
		}
	}

	return writeResult(cmd.OutOrStdout(), genOpts.output, res)
}

func readDocument(path string) (domain.SourceDocument, error) {
	p, err := parser.ForFile(path)
	if err != nil {
		return domain.SourceDocument{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return domain.SourceDocument{}, err
	}
	defer f.Close()

	parsed, err := p.Parse(f, path)
	if err != nil {
		return domain.SourceDocument{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, warn := range parsed.Warnings {
		logger.Warnw("page skipped", "kind", domain.ErrExtraction, "page", warn.Page, "error", warn.Err)
	}
	doc := parsed.Document
	doc.ID = pipeline.ContentHashHex([]byte(doc.Text()))[:16]
	return doc, nil
}

// resolveCategories prefers --categories, then the deck store, then config.
func resolveCategories(ctx context.Context, svc *app.Services) ([]domain.Category, error) {
	configured := cfg.Generation.Categories
	if len(genOpts.categories) > 0 {
		var names []string
		for _, n := range genOpts.categories {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		cats := pipeline.MergeCategories(configured, names)
		return cats[:len(names)], nil
	}
	if svc.Bridge == nil {
		return configured, nil
	}
	names, err := svc.Bridge.ListCategories(ctx)
	if err != nil {
		return configured, err
	}
	return pipeline.MergeCategories(configured, names), nil
}

func printEvent(w io.Writer, ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventRunStarted:
		fmt.Fprintf(w, "run %s: %d chunks\n", ev.RunID, ev.Total)
	case pipeline.EventChunkRetry:
		fmt.Fprintf(w, "  chunk %d/%d retry %d: %s\n", ev.Sequence+1, ev.Total, ev.Attempt, ev.Message)
	case pipeline.EventChunkSucceeded:
		fmt.Fprintf(w, "  chunk %d/%d ok: %d accepted, %d rejected\n", ev.Sequence+1, ev.Total, ev.Accepted, ev.Rejected)
	case pipeline.EventChunkFailed:
		fmt.Fprintf(w, "  chunk %d/%d failed (%s): %s\n", ev.Sequence+1, ev.Total, ev.ErrorKind, ev.Message)
	}
}

func writeResult(stdout io.Writer, path string, res *pipeline.RunResult) error {
	w := stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
