package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/deckgen/internal/app"
)

// checkCmd verifies the generation endpoint and deck store are reachable
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the model endpoint and deck store respond",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		svc, err := app.Open(cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		out := cmd.OutOrStdout()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := svc.LLM.Ping(ctx); err != nil {
				return fmt.Errorf("model endpoint %s: %w", cfg.LLMURL, err)
			}
			fmt.Fprintf(out, "model endpoint %s ok (%s)\n", cfg.LLMURL, cfg.LLMModel)
			return nil
		})
		if svc.Bridge == nil {
			fmt.Fprintln(out, "deck store bridge not configured")
		} else {
			g.Go(func() error {
				if err := svc.Bridge.Ping(ctx); err != nil {
					return fmt.Errorf("deck store %s: %w", cfg.BridgeURL, err)
				}
				fmt.Fprintf(out, "deck store %s ok\n", cfg.BridgeURL)
				return nil
			})
		}
		return g.Wait()
	},
}
