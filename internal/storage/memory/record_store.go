// Package memory provides in-process record and blob stores for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/storage"
)

// RecordStore keeps records in process memory for development and tests.
type RecordStore struct {
	mu      sync.RWMutex
	clock   crawler.Clock
	records map[crawler.RecordIdentity]crawler.StoredRecord
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore(clock crawler.Clock) *RecordStore {
	return &RecordStore{
		clock:   clock,
		records: make(map[crawler.RecordIdentity]crawler.StoredRecord),
	}
}

// Upsert inserts or updates the record stored under id.
func (s *RecordStore) Upsert(_ context.Context, id crawler.RecordIdentity, rec crawler.Record) (crawler.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *crawler.StoredRecord
	if row, ok := s.records[id]; ok {
		existing = &row
	}
	row, status, err := storage.Merge(id, existing, rec, s.clock.Now())
	if err != nil {
		return crawler.UpsertOutcome{}, err
	}
	s.records[id] = row
	return storage.Outcome(row, status), nil
}

// MaxKnownSlot returns the highest slot stored.
func (s *RecordStore) MaxKnownSlot(_ context.Context) (crawler.Slot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.Slot
		found bool
	)
	for _, row := range s.records {
		if row.PageID == nil || row.IndexInPage == nil {
			continue
		}
		slot := crawler.Slot{PageID: *row.PageID, IndexInPage: *row.IndexInPage}
		if !found || slot.PageID > best.PageID || (slot.PageID == best.PageID && slot.IndexInPage > best.IndexInPage) {
			best, found = slot, true
		}
	}
	return best, found, nil
}

// Scan visits every record in identity order.
func (s *RecordStore) Scan(ctx context.Context, fn func(crawler.StoredRecord) error) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, string(id))
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		rec, ok := s.Get(crawler.RecordIdentity(id))
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the record stored under id.
func (s *RecordStore) Get(id crawler.RecordIdentity) (crawler.StoredRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.records[id]
	return row, ok
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Put stores a raw row as-is. It bypasses every invariant and exists to seed
// fixtures for audits.
func (s *RecordStore) Put(id crawler.RecordIdentity, row crawler.StoredRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = row
}
