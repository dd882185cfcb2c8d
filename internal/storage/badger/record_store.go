// Package badger provides an embedded record store on badgerhold.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/storage"
)

// row is the persisted shape. Null coordinates are encoded with HasSlot so
// badgerhold can index and sort on plain integers.
type row struct {
	Identity    string
	HasSlot     bool `badgerhold:"index"`
	PageID      uint32
	IndexInPage uint32
	SourceKey   string
	ContentHash string
	Fields      crawler.RecordFields
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r row) stored() crawler.StoredRecord {
	out := crawler.StoredRecord{
		SourceKey:   r.SourceKey,
		ContentHash: r.ContentHash,
		Fields:      r.Fields,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Identity != "" {
		id := r.Identity
		out.Identity = &id
	}
	if r.HasSlot {
		page, index := r.PageID, r.IndexInPage
		out.PageID, out.IndexInPage = &page, &index
	}
	return out
}

func fromStored(rec crawler.StoredRecord) row {
	r := row{
		SourceKey:   rec.SourceKey,
		ContentHash: rec.ContentHash,
		Fields:      rec.Fields,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Identity != nil {
		r.Identity = *rec.Identity
	}
	if rec.PageID != nil && rec.IndexInPage != nil {
		r.HasSlot, r.PageID, r.IndexInPage = true, *rec.PageID, *rec.IndexInPage
	}
	return r
}

// Config controls where the store lives.
type Config struct {
	// Path is the data directory; empty keeps everything in memory.
	Path string
}

// RecordStore persists records in an embedded Badger database.
type RecordStore struct {
	store *badgerhold.Store
	clock crawler.Clock
}

// Open opens (or creates) the store.
func Open(cfg Config, clock crawler.Clock) (*RecordStore, error) {
	options := badgerhold.DefaultOptions
	if cfg.Path == "" {
		options.InMemory = true
		options.Dir, options.ValueDir = "", ""
	} else {
		options.Dir, options.ValueDir = cfg.Path, cfg.Path
	}
	options.Logger = nil
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &RecordStore{store: store, clock: clock}, nil
}

// Close releases the database.
func (s *RecordStore) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close badger store: %w", err)
	}
	return nil
}

// Upsert reads and writes the identity in a single Badger transaction.
func (s *RecordStore) Upsert(_ context.Context, id crawler.RecordIdentity, rec crawler.Record) (crawler.UpsertOutcome, error) {
	var outcome crawler.UpsertOutcome
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		var (
			current  row
			existing *crawler.StoredRecord
		)
		switch err := s.store.TxGet(tx, string(id), &current); {
		case err == nil:
			stored := current.stored()
			existing = &stored
		case errors.Is(err, badgerhold.ErrNotFound):
		default:
			return &crawler.StoreError{Op: "get", Err: err, Transient: true}
		}
		merged, status, err := storage.Merge(id, existing, rec, s.clock.Now())
		if err != nil {
			return err
		}
		outcome = storage.Outcome(merged, status)
		if err := s.store.TxUpsert(tx, string(id), fromStored(merged)); err != nil {
			return &crawler.StoreError{Op: "upsert", Err: err, Transient: errors.Is(err, badger.ErrConflict)}
		}
		return nil
	})
	if err != nil {
		return crawler.UpsertOutcome{}, err
	}
	return outcome, nil
}

// MaxKnownSlot returns the highest stored slot.
func (s *RecordStore) MaxKnownSlot(_ context.Context) (crawler.Slot, bool, error) {
	var rows []row
	query := badgerhold.Where("HasSlot").Eq(true).SortBy("PageID", "IndexInPage").Reverse().Limit(1)
	if err := s.store.Find(&rows, query); err != nil {
		return crawler.Slot{}, false, &crawler.StoreError{Op: "max slot", Err: err}
	}
	if len(rows) == 0 {
		return crawler.Slot{}, false, nil
	}
	return crawler.Slot{PageID: rows[0].PageID, IndexInPage: rows[0].IndexInPage}, true, nil
}

// Scan visits every stored record.
func (s *RecordStore) Scan(ctx context.Context, fn func(crawler.StoredRecord) error) error {
	var rows []row
	if err := s.store.Find(&rows, nil); err != nil {
		return &crawler.StoreError{Op: "scan", Err: err}
	}
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		if err := fn(r.stored()); err != nil {
			return err
		}
	}
	return nil
}

// Put stores a raw row under key, bypassing the merge rule. Used to seed
// fixtures for audits.
func (s *RecordStore) Put(key string, rec crawler.StoredRecord) error {
	if err := s.store.Upsert(key, fromStored(rec)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
