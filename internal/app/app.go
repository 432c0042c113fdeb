// Package app wires the configured collaborators shared by the binaries.
package app

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgallion1/deckgen/internal/bridge"
	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/extract"
	"github.com/dgallion1/deckgen/internal/ledger"
	"github.com/dgallion1/deckgen/internal/pipeline"
)

// Services holds the long-lived clients built from a Config.
type Services struct {
	LLM   *extract.Client
	Stats *extract.LLMStats
	// Bridge is nil when the deck store is not configured or not allowed.
	Bridge *bridge.Client
	Sinks  []ledger.Sink

	closers []func() error
}

// Open builds the generation client, the deck store bridge and the ledger
// sinks. A bridge that cannot be built is logged and left nil; sink errors
// are fatal.
func Open(cfg config.Config, log *zap.SugaredLogger) (*Services, error) {
	s := &Services{Stats: extract.NewLLMStats(time.Hour)}

	ccfg := extract.ClientConfig{
		BaseURL:           cfg.LLMURL,
		APIKey:            cfg.LLMAPIKey,
		Model:             cfg.LLMModel,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		ContextWindow:     cfg.Generation.ContextWindow,
		Timeout:           cfg.LLMTimeout,
		RequestsPerSecond: cfg.LLMRequestsPerSecond,
	}
	if cfg.Generation.Deterministic {
		seed := int(cfg.Generation.Seed)
		ccfg.Seed = &seed
	}
	s.LLM = extract.NewClient(ccfg, s.Stats)
	s.closers = append(s.closers, func() error { s.LLM.Close(); return nil })

	if cfg.BridgeURL != "" {
		b, err := bridge.NewClient(cfg.BridgeURL, cfg.BridgeTimeout)
		if err != nil {
			log.Warnw("deck store bridge disabled", "url", cfg.BridgeURL, "error", err)
		} else {
			s.Bridge = b
			s.closers = append(s.closers, func() error { b.Close(); return nil })
		}
	}

	if cfg.LedgerDir != "" {
		sink, err := ledger.OpenJSONL(cfg.LedgerDir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open ledger dir: %w", err)
		}
		s.Sinks = append(s.Sinks, sink)
		s.closers = append(s.closers, sink.Close)
	}
	if cfg.LedgerDB != "" {
		sink, err := ledger.OpenSQLite(cfg.LedgerDB)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open ledger db: %w", err)
		}
		s.Sinks = append(s.Sinks, sink)
		s.closers = append(s.closers, sink.Close)
	}
	return s, nil
}

// DeckStore returns the bridge as a pipeline.DeckStore, or nil when there is
// no bridge. A nil *bridge.Client must not be returned inside the interface.
func (s *Services) DeckStore() pipeline.DeckStore {
	if s.Bridge == nil {
		return nil
	}
	return s.Bridge
}

// Worker builds a job worker over these services.
func (s *Services) Worker(g config.Generation, log *zap.SugaredLogger) *pipeline.Worker {
	return pipeline.NewWorker(s.LLM, s.DeckStore(), g, log, s.Sinks...)
}

// Close releases every client in reverse order of creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
