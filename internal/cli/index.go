package cli

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"medrag/internal/usecase"
)

var (
	indexBackends []string
	indexCorpus   string
	indexForce    bool
	indexQuiet    bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build backend indexes over a corpus group",
	Long: `Build the persisted index of each backend for every corpus of a group.
Dense backends embed shards that have no embedding artifact yet and rebuild
the vector index and row metadata from all artifacts. Lexical backends are
rebuilt when their settings changed.

Indexes are stored in <db_dir>/<corpus>/index/<backend>.

Examples:
  medrag index --backend bm25 --corpus textbooks
  medrag index --backend medcpt --corpus medcorp --force
  medrag index                  # every backend of retrieve.retriever`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringSliceVarP(&indexBackends, "backend", "b", nil, "backends to index (default: backends of retrieve.retriever)")
	indexCmd.Flags().StringVarP(&indexCorpus, "corpus", "c", "", "corpus group (default from config)")
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "re-embed every shard and rebuild lexical stores")
	indexCmd.Flags().BoolVar(&indexQuiet, "quiet", false, "hide the progress bar")
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	group := cfg.Retrieve.Corpus
	if indexCorpus != "" {
		group = indexCorpus
	}
	corpora, err := cfg.CorpusGroup(group)
	if err != nil {
		return err
	}

	backends := indexBackends
	if len(backends) == 0 {
		if backends, err = cfg.RetrieverSet(cfg.Retrieve.Retriever); err != nil {
			return err
		}
	}
	sort.Strings(backends)

	chunks := usecase.NewChunkStore(cfg, GetLogger())
	total := 0
	for _, corpus := range corpora {
		shards, err := chunks.Shards(corpus)
		if err != nil {
			return fmt.Errorf("failed to list shards of %s: %w", corpus, err)
		}
		total += len(shards)
	}

	for _, backend := range backends {
		fmt.Printf("Indexing %s over %s (%d shards)...\n", backend, group, total)

		counts := map[string]int{}
		var mu sync.Mutex
		var bar *progressbar.ProgressBar
		if !indexQuiet && total > 0 {
			bar = newBar(total, backend)
		}
		start := time.Now()
		done := 0

		req := usecase.IndexRequest{
			Backend: backend,
			Group:   group,
			Force:   indexForce,
			Progress: func(corpus string, e usecase.ShardEvent) {
				mu.Lock()
				defer mu.Unlock()
				counts[e.Status]++
				done++
				if bar == nil {
					return
				}
				bar.Set(done)
				if elapsed := time.Since(start); done < total && elapsed > 0 {
					rate := float64(done) / elapsed.Seconds()
					eta := time.Duration(float64(total-done)/rate) * time.Second
					bar.Describe(fmt.Sprintf("[cyan]%s[reset] ETA: %s", backend, formatDuration(eta)))
				}
			},
		}
		if err := usecase.BuildIndexes(cmd.Context(), cfg, req, GetLogger(), metrics); err != nil {
			return fmt.Errorf("indexing failed: %w", err)
		}
		if bar != nil {
			bar.Finish()
		}

		fmt.Printf("\n%s complete in %s:\n", backend, formatDuration(time.Since(start)))
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-9s %d\n", s+":", counts[s])
		}
		for _, corpus := range corpora {
			fmt.Printf("  index:    %s\n", cfg.IndexDir(corpus, backend))
		}
	}
	return nil
}

func newBar(total int, backend string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset]", backend)),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
