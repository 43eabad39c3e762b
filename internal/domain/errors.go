package domain

import (
	"errors"
	"strconv"
)

var (
	// ErrConfiguration is returned when a backend, corpus or option is unknown
	// or the requested combination is unsupported.
	ErrConfiguration = errors.New("configuration error")

	// ErrIndexUnavailable is returned when a persisted index or its metadata
	// is missing or unreadable at load time.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrDataIntegrity is returned when a shard line cannot be parsed during an index build.
	ErrDataIntegrity = errors.New("data integrity error")

	// ErrEncoder wraps failures of the embedding model or endpoint.
	ErrEncoder = errors.New("encoder error")
)

// Gap describes why an address or id could not be resolved to text.
type Gap string

const (
	GapNone       Gap = ""
	GapUnknownID  Gap = "unknown_id"
	GapMissing    Gap = "missing_file"
	GapEmpty      Gap = "empty_file"
	GapOutOfRange Gap = "out_of_range"
	GapParse      Gap = "parse_error"
)

// Placeholder returns the diagnostic chunk that stands in for an unresolved one.
func (g Gap) Placeholder(id string, row int) Chunk {
	switch g {
	case GapMissing:
		return Chunk{ID: id, Title: "Missing document", Content: "Document not found"}
	case GapEmpty:
		return Chunk{ID: id, Title: "Empty document", Content: "Document is empty"}
	case GapOutOfRange:
		return Chunk{ID: id, Title: "Index error", Content: "Index " + strconv.Itoa(row) + " out of range"}
	case GapParse:
		return Chunk{ID: id, Title: "Parse error", Content: "Could not parse document"}
	case GapUnknownID:
		return Chunk{ID: id, Title: "Unknown document", Content: "Document ID not found"}
	}
	return Chunk{ID: id}
}
