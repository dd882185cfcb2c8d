// Package storage holds the persistence plumbing shared by the record store
// implementations: the upsert merge rule and the serialized writer.
package storage

import (
	"time"

	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Merge applies an incoming record to the currently stored row (nil when the
// identity is new). created_at is kept from the first write; updated_at moves
// on every re-write, while fields change only with the content hash. A
// different source key at the same identity is a slot conflict.
func Merge(id crawler.RecordIdentity, existing *crawler.StoredRecord, rec crawler.Record, now time.Time) (crawler.StoredRecord, crawler.UpsertStatus, error) {
	if err := coordinate.CheckCollision(id, existing, rec); err != nil {
		return crawler.StoredRecord{}, "", err
	}
	if existing == nil {
		identity := string(id)
		row := crawler.StoredRecord{
			Identity:    &identity,
			SourceKey:   rec.Fields.SourceKey,
			ContentHash: rec.ContentHash,
			Fields:      rec.Fields,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if rec.Slot != nil {
			page, index := rec.Slot.PageID, rec.Slot.IndexInPage
			row.PageID, row.IndexInPage = &page, &index
		}
		return row, crawler.UpsertInserted, nil
	}
	row := *existing
	row.UpdatedAt = now
	if row.ContentHash == rec.ContentHash {
		return row, crawler.UpsertUnchanged, nil
	}
	row.ContentHash = rec.ContentHash
	row.Fields = rec.Fields
	return row, crawler.UpsertUpdated, nil
}

// Outcome builds the UpsertOutcome for a merged row.
func Outcome(row crawler.StoredRecord, status crawler.UpsertStatus) crawler.UpsertOutcome {
	return crawler.UpsertOutcome{Status: status, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}
}
