package crawler

import (
	"context"
	"io"
	"time"
)

// FetchProvider retrieves a listing or detail page.
type FetchProvider interface {
	Fetch(ctx context.Context, url string) (RawPage, error)
}

// ParseProvider extracts item references and record fields. Implementations
// must match elements strictly; a page with no product rows yields zero refs.
type ParseProvider interface {
	ParseList(page RawPage) ([]RawItemRef, error)
	ParseDetail(page RawPage) (RecordFields, error)
}

// RecordStore persists records keyed by identity.
type RecordStore interface {
	Upsert(ctx context.Context, id RecordIdentity, rec Record) (UpsertOutcome, error)
	MaxKnownSlot(ctx context.Context) (Slot, bool, error)
	Scan(ctx context.Context, fn func(StoredRecord) error) error
}

// Settings exposes the catalog geometry and pool sizes.
type Settings interface {
	ItemsPerPage() uint32
	TargetPageSize() uint32
	ConcurrencyLimits() ConcurrencyLimits
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// BlobSource reads back archived artifacts.
type BlobSource interface {
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes session notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for plan hashes and record content hashes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces plan, session and task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
