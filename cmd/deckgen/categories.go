package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgallion1/deckgen/internal/app"
)

// categoriesCmd lists the categories a run would use
var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List the categories cards can be assigned to",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		svc, err := app.Open(cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		genOpts.categories = nil
		cats, err := resolveCategories(ctx, svc)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "deck store unavailable (%v), showing configured categories\n", err)
		}
		if len(cats) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "no categories configured; cards will use", cfg.Generation.FallbackCategory)
			return nil
		}
		for _, c := range cats {
			if len(c.KeywordHints) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), c.Name)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Name, strings.Join(c.KeywordHints, ", "))
		}
		return nil
	},
}
