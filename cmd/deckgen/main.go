package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/logging"
)

var (
	cfgPath   string
	verbose   bool
	logFormat string

	cfg    config.Config
	logger *zap.SugaredLogger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "deckgen",
	Short: "deckgen - turn documents into flashcard decks",
	Long: `deckgen splits a document into chunks, asks an OpenAI-compatible model
for question/answer cards, validates and categorizes them, and can export the
accepted cards to a local deck store.

Configuration comes from defaults, the YAML file given by --config (or
DECKGEN_CONFIG), then environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			os.Setenv("DECKGEN_CONFIG", cfgPath)
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, logFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file (or set DECKGEN_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console or json")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
