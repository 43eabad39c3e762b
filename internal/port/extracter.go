package port

import (
	"context"

	"medrag/internal/domain"
)

// DocExtracter resolves chunk ids to text.
type DocExtracter interface {
	// Extract returns one record per id, in input order. Unknown or
	// unreadable ids yield placeholder records.
	Extract(ctx context.Context, ids []string) []domain.Record
}
