package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medrag/config"
	"medrag/internal/logging"
	"medrag/internal/observability"
)

var (
	cfgFile string
	rootDir string
	cfg     *config.Config
	logger  = zap.NewNop()
	metrics *observability.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "medrag",
	Short: "MedRAG retrieval engine - index medical corpora and retrieve snippets",
	Long: `medrag indexes sharded medical corpora (PubMed, textbooks, StatPearls,
Wikipedia) with lexical and dense backends and retrieves snippets, fusing
several backends with Reciprocal Rank Fusion.

Example usage:
  medrag index --backend bm25 --corpus textbooks
  medrag retrieve -q "first-line treatment of hypertension" --retriever rrf-2
  medrag extract --corpus medcorp pubmed23n0001_0`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		if cfg.Metrics.Enabled {
			metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the command tree; SIGINT cancels in-flight work.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./medrag.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "directory searched for medrag.yaml (default is current directory)")
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *zap.Logger {
	return logger
}
