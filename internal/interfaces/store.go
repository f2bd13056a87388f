// Package interfaces defines the service contracts exposed by the
// persistence layer to the Hub and the Client.
package interfaces

import (
	"context"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// Store is the job store adapter's contract. It carries no business logic
// of its own — claim semantics, sweep semantics, and handler dispatch all
// live above it, in the Hub and the Client.
type Store interface {
	// Insert adds a document to the named collection and reports its
	// assigned _id.
	Insert(ctx context.Context, collection string, doc any) (any, error)

	// FindAndModify atomically applies update to the first document in
	// collection matching filter and decodes the pre-update document into
	// out, reporting false if no document matched. This is the sole
	// primitive that may hand out an exclusive claim.
	FindAndModify(ctx context.Context, collection string, filter, update any, out any) (bool, error)

	// Update applies update to every document in collection matching
	// filter and reports how many were modified.
	Update(ctx context.Context, collection string, filter, update any) (int64, error)

	// FindOne loads the first document matching filter into out, reporting
	// false if nothing matched.
	FindOne(ctx context.Context, collection string, filter any, out any) (bool, error)

	// Query loads every document matching filter into out, which must be
	// a pointer to a slice.
	Query(ctx context.Context, collection string, filter any, opts QueryOptions, out any) error

	// Count reports the number of documents matching filter.
	Count(ctx context.Context, collection string, filter any) (int64, error)

	// Drop removes every document from the named collection, used by
	// ClearAll in test and maintenance paths.
	Drop(ctx context.Context, collection string) error

	// EnsureIndexes creates the indexes the job queue relies on for
	// claim/sweep throughput. Idempotent.
	EnsureIndexes(ctx context.Context) error

	// StoreBlob persists an out-of-band log payload and returns the
	// content-addressed filename recorded on the owning LogRecord.
	StoreBlob(ctx context.Context, r io.Reader, contentType string) (filename string, err error)

	// OpenBlob returns a reader for a filename previously returned by
	// StoreBlob.
	OpenBlob(ctx context.Context, filename string) (io.ReadCloser, error)

	Close(ctx context.Context) error
}

// QueryOptions configures Query's ordering, paging, and projection.
type QueryOptions struct {
	Sort  bson.D
	Limit int64
	Skip  int64
}
