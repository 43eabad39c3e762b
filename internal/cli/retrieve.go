package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"medrag/internal/domain"
	"medrag/internal/usecase"
)

var (
	retrieveQuery     string
	retrieveTopK      int
	retrieveRRFK      int
	retrieveRetriever string
	retrieveCorpus    string
	retrieveCache     bool
	retrieveJSON      bool
)

var retrieveCmd = &cobra.Command{
	Use:     "retrieve",
	Aliases: []string{"query"},
	Short:   "Retrieve snippets for a question",
	Long: `Retrieve the top-k snippets for a question. A retriever set with one
backend returns that backend's own scores; several backends are fused with
Reciprocal Rank Fusion.

Examples:
  medrag retrieve -q "mechanism of action of metformin"
  medrag retrieve -q "sepsis bundle" --retriever rrf-4 --corpus medcorp -k 16 --json`,
	Args: cobra.NoArgs,
	RunE: runRetrieve,
}

func init() {
	rootCmd.AddCommand(retrieveCmd)
	retrieveCmd.Flags().StringVarP(&retrieveQuery, "query", "q", "", "question (required)")
	retrieveCmd.Flags().IntVarP(&retrieveTopK, "top-k", "k", 0, "number of snippets (default from config)")
	retrieveCmd.Flags().IntVar(&retrieveRRFK, "rrf-k", -1, "RRF rank offset (default from config)")
	retrieveCmd.Flags().StringVarP(&retrieveRetriever, "retriever", "r", "", "retriever set (default from config)")
	retrieveCmd.Flags().StringVarP(&retrieveCorpus, "corpus", "c", "", "corpus group (default from config)")
	retrieveCmd.Flags().BoolVar(&retrieveCache, "cache", false, "resolve text through the id2text cache")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "output as JSON")
	retrieveCmd.MarkFlagRequired("query")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if retrieveRetriever != "" {
		cfg.Retrieve.Retriever = retrieveRetriever
	}
	if retrieveCorpus != "" {
		cfg.Retrieve.Corpus = retrieveCorpus
	}
	if retrieveTopK > 0 {
		cfg.Retrieve.TopK = retrieveTopK
	}
	if retrieveRRFK >= 0 {
		cfg.Retrieve.RRFK = retrieveRRFK
	}
	if retrieveCache {
		cfg.Retrieve.Cache = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	system, err := usecase.OpenRetrievalSystem(cmd.Context(), cfg, cfg.Retrieve.Retriever, cfg.Retrieve.Corpus, GetLogger(), metrics)
	if err != nil {
		return fmt.Errorf("failed to load retrieval system: %w", err)
	}
	defer system.Close()

	results, scores, err := system.Retrieve(cmd.Context(), retrieveQuery, cfg.Retrieve.TopK, cfg.Retrieve.RRFK)
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}

	if retrieveJSON {
		return writeJSON(os.Stdout, struct {
			Snippets []domain.FusedResult `json:"snippets"`
			Scores   []float64            `json:"scores"`
		}{results, scores})
	}
	printResults(os.Stdout, retrieveQuery, results)
	return nil
}

func printResults(w io.Writer, question string, results []domain.FusedResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	fmt.Fprintf(w, "Found %d results for: %s\n\n", len(results), question)
	for i, r := range results {
		fmt.Fprintf(w, "--- [%d] %s (score: %.4f) ---\n", i+1, r.ID, r.Score)
		if r.Title != "" {
			fmt.Fprintln(w, r.Title)
		}
		text := r.Content
		if runes := []rune(text); len(runes) > 500 {
			text = string(runes[:500]) + "..."
		}
		fmt.Fprintln(w, text)
		fmt.Fprintln(w)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
