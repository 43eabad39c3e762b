package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"medrag/config"
	"medrag/internal/logging"
	"medrag/internal/observability"
	"medrag/internal/usecase"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default ./medrag.yaml)")
	query := flag.String("q", "", "query to run")
	queries := flag.String("queries", "", "file with one query per line")
	retrievers := flag.String("retrievers", "", "comma-separated retriever sets (default: retrieve.retriever)")
	corpus := flag.String("corpus", "", "corpus group (default from config)")
	topK := flag.Int("k", 10, "number of results")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.Parse()

	qs, err := loadQueries(*query, *queries)
	if err != nil || len(qs) == 0 {
		fmt.Println("Usage: go run ./cmd/benchmark -q \"query\" [-retrievers bm25,rrf-2] [-corpus medtext]")
		fmt.Println("       go run ./cmd/benchmark -queries questions.txt -metrics-addr :9090")
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
		os.Exit(1)
	}

	var cfg *config.Config
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *corpus != "" {
		cfg.Retrieve.Corpus = *corpus
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		fmt.Printf("Serving metrics on %s/metrics\n", *metricsAddr)
	}

	sets := []string{cfg.Retrieve.Retriever}
	if *retrievers != "" {
		sets = strings.Split(*retrievers, ",")
	}

	ctx := context.Background()
	fmt.Println("RETRIEVAL BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Corpus: %s   Queries: %d   k: %d   rrf_k: %d\n\n", cfg.Retrieve.Corpus, len(qs), *topK, cfg.Retrieve.RRFK)

	for _, name := range sets {
		name = strings.TrimSpace(name)
		loadStart := time.Now()
		system, err := usecase.OpenRetrievalSystem(ctx, cfg, name, cfg.Retrieve.Corpus, logger, metrics)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n\n", name, err)
			continue
		}
		fmt.Printf("Retriever: %s (loaded in %s)\n", name, time.Since(loadStart).Round(time.Millisecond))
		fmt.Println(strings.Repeat("-", 70))

		var latencies []time.Duration
		for i, q := range qs {
			start := time.Now()
			results, scores, err := system.Retrieve(ctx, q, *topK, cfg.Retrieve.RRFK)
			latencies = append(latencies, time.Since(start))
			if err != nil {
				fmt.Fprintf(os.Stderr, "  query %d failed: %v\n", i+1, err)
				continue
			}
			if len(qs) == 1 {
				for j, r := range results {
					fmt.Printf("%2d. [%.4f] %s  %s\n", j+1, scores[j], r.ID, preview(r.Title, r.Content))
				}
				fmt.Println()
			}
		}
		system.Close()

		p50, p95, mean := summarize(latencies)
		fmt.Printf("  latency  mean %s   p50 %s   p95 %s\n\n", mean, p50, p95)
	}

	if *metricsAddr != "" {
		fmt.Println("Press Ctrl+C to stop serving metrics.")
		select {}
	}
}

func loadQueries(query, path string) ([]string, error) {
	if query != "" {
		return []string{query}, nil
	}
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var qs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			qs = append(qs, line)
		}
	}
	return qs, scanner.Err()
}

func preview(title, content string) string {
	text := content
	if title != "" {
		text = title + ": " + content
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if runes := []rune(text); len(runes) > 100 {
		text = string(runes[:100]) + "..."
	}
	return text
}

func summarize(ds []time.Duration) (p50, p95, mean time.Duration) {
	if len(ds) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	mean = (total / time.Duration(len(sorted))).Round(time.Microsecond)
	p50 = sorted[len(sorted)/2].Round(time.Microsecond)
	p95 = sorted[(len(sorted)*95)/100].Round(time.Microsecond)
	return p50, p95, mean
}
