package domain

import (
	"context"
	"io"
	"time"
)

// ArchiveObject is one batch of history bound for cold storage.
type ArchiveObject struct {
	Key             string
	Body            io.Reader
	ContentType     string
	ContentEncoding string
	// Records is the number of history rows in Body.
	Records int
}

// BlobWriter stores archive objects.
type BlobWriter interface {
	Put(ctx context.Context, obj ArchiveObject) error
}

// Archiver moves history older than a cutoff out of the primary store and
// reports how many records it moved.
type Archiver interface {
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
	ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error)
}
