package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func record(page, idx uint32, key, hash string) crawler.Record {
	slot := crawler.Slot{PageID: page, IndexInPage: idx}
	return crawler.Record{Slot: &slot, Fields: crawler.RecordFields{SourceKey: key}, ContentHash: hash}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(&stepClock{now: time.Unix(1700000000, 0).UTC()})
	ctx := context.Background()

	first, err := store.Upsert(ctx, "p0001i02", record(1, 2, "CERT-1", "h1"))
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertInserted, first.Status)

	same, err := store.Upsert(ctx, "p0001i02", record(1, 2, "CERT-1", "h1"))
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUnchanged, same.Status)
	require.Equal(t, first.CreatedAt, same.CreatedAt)
	require.True(t, same.UpdatedAt.After(first.UpdatedAt))
	row, ok := store.Get("p0001i02")
	require.True(t, ok)
	require.Equal(t, same.UpdatedAt, row.UpdatedAt)

	changed, err := store.Upsert(ctx, "p0001i02", record(1, 2, "CERT-1", "h2"))
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUpdated, changed.Status)
	require.Equal(t, first.CreatedAt, changed.CreatedAt)
	require.True(t, changed.UpdatedAt.After(same.UpdatedAt))

	row, ok = store.Get("p0001i02")
	require.True(t, ok)
	require.Equal(t, "h2", row.ContentHash)
	require.Equal(t, "p0001i02", *row.Identity)
	require.Equal(t, uint32(1), *row.PageID)
	require.Equal(t, uint32(2), *row.IndexInPage)
}

func TestUpsertRejectsSlotConflict(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(&stepClock{})
	ctx := context.Background()
	_, err := store.Upsert(ctx, "p0001i02", record(1, 2, "CERT-1", "h1"))
	require.NoError(t, err)

	_, err = store.Upsert(ctx, "p0001i02", record(1, 2, "CERT-9", "h9"))
	var conflict *crawler.SlotConflictError
	require.True(t, errors.As(err, &conflict))

	row, _ := store.Get("p0001i02")
	require.Equal(t, "CERT-1", row.SourceKey)
}

func TestMaxKnownSlotAndScan(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(&stepClock{})
	ctx := context.Background()
	_, found, err := store.MaxKnownSlot(ctx)
	require.NoError(t, err)
	require.False(t, found)

	for _, r := range []struct {
		id   crawler.RecordIdentity
		page uint32
		idx  uint32
	}{{"p0000i05", 0, 5}, {"p0002i01", 2, 1}, {"p0001i09", 1, 9}} {
		_, err := store.Upsert(ctx, r.id, record(r.page, r.idx, string(r.id), "h"))
		require.NoError(t, err)
	}
	slot, found, err := store.MaxKnownSlot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, crawler.Slot{PageID: 2, IndexInPage: 1}, slot)

	var seen []string
	require.NoError(t, store.Scan(ctx, func(r crawler.StoredRecord) error {
		seen = append(seen, *r.Identity)
		return nil
	}))
	require.Equal(t, []string{"p0000i05", "p0001i09", "p0002i01"}, seen)
	require.Equal(t, 3, store.Len())
}
