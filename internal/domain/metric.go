package domain

import (
	"fmt"
	"strings"
)

// Metric is the scoring function of a backend.
type Metric string

const (
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
	MetricCosine Metric = "cosine"
	// MetricBM25 scores lexical backends.
	MetricBM25 Metric = "bm25"
)

// Polarity tells whether lower or higher raw scores are more relevant.
type Polarity int

const (
	HigherIsBetter Polarity = iota
	LowerIsBetter
)

func (p Polarity) String() string {
	if p == LowerIsBetter {
		return "distance"
	}
	return "similarity"
}

// Better reports whether score a ranks ahead of score b.
func (p Polarity) Better(a, b float64) bool {
	if p == LowerIsBetter {
		return a < b
	}
	return a > b
}

// Polarity returns the ordering direction of the metric.
func (m Metric) Polarity() Polarity {
	if m == MetricL2 {
		return LowerIsBetter
	}
	return HigherIsBetter
}

// ParseMetric accepts the configured metric names and a few aliases.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l2", "euclidean":
		return MetricL2, nil
	case "ip", "inner_product", "dot":
		return MetricIP, nil
	case "cosine", "cos":
		return MetricCosine, nil
	case "bm25":
		return MetricBM25, nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrConfiguration, s)
}

// IndexKind selects the VectorIndex strategy.
type IndexKind string

const (
	IndexFlat    IndexKind = "flat"
	IndexHNSW    IndexKind = "hnsw"
	IndexChromem IndexKind = "chromem"
)

func ParseIndexKind(s string) (IndexKind, error) {
	switch k := IndexKind(strings.ToLower(strings.TrimSpace(s))); k {
	case IndexFlat, IndexHNSW, IndexChromem:
		return k, nil
	case "":
		return IndexFlat, nil
	}
	return "", fmt.Errorf("%w: unknown index kind %q", ErrConfiguration, s)
}
