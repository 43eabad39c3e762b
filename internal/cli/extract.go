package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"medrag/internal/usecase"
)

var (
	extractCorpus string
	extractCache  bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <id>...",
	Short: "Print the title and content of chunk ids",
	Long: `Resolve chunk ids of a corpus group to their text. Without --cache the
shard line is read on demand through <group>_id2path.json; with --cache all
texts are loaded from <group>_id2text.json. Either map is built on first use.

Examples:
  medrag extract --corpus medtext anatomy_12 pharmacology_3
  medrag extract --corpus medcorp --cache pubmed23n0001_0`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVarP(&extractCorpus, "corpus", "c", "", "corpus group (default from config)")
	extractCmd.Flags().BoolVar(&extractCache, "cache", false, "load every text into memory")
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	group := cfg.Retrieve.Corpus
	if extractCorpus != "" {
		group = extractCorpus
	}

	ex, err := usecase.NewExtracter(cfg, group, extractCache, GetLogger(), metrics)
	if err != nil {
		return fmt.Errorf("failed to load extracter: %w", err)
	}
	return writeJSON(os.Stdout, ex.Extract(cmd.Context(), args))
}
