package consistency

import (
	"context"
	"fmt"

	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// AuditStats summarises a store scan.
type AuditStats struct {
	Records   int `json:"records"`
	Slotted   int `json:"slotted"`
	Unslotted int `json:"unslotted"`
}

// AuditStore scans every persisted record and checks that identity and
// coordinates are null together, that identity matches the slot, and that no
// two records share a slot.
func AuditStore(ctx context.Context, store crawler.RecordStore) ([]Finding, AuditStats, error) {
	var (
		findings []Finding
		stats    AuditStats
		owners   = make(map[crawler.Slot]string)
	)
	err := store.Scan(ctx, func(rec crawler.StoredRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Records++
		if err := coordinate.VerifyStored(rec); err != nil {
			code := CodeIdentityMismatch
			if (rec.PageID == nil) != (rec.Identity == nil) || (rec.PageID == nil) != (rec.IndexInPage == nil) {
				code = CodeNullMismatch
			}
			findings = append(findings, Finding{Code: code, Severity: SeverityError, Detail: fmt.Sprintf("%s: %v", rec.SourceKey, err)})
			return nil
		}
		if rec.PageID == nil {
			stats.Unslotted++
			return nil
		}
		stats.Slotted++
		slot := crawler.Slot{PageID: *rec.PageID, IndexInPage: *rec.IndexInPage}
		if owner, ok := owners[slot]; ok {
			findings = append(findings, Finding{
				Code:     CodeSlotDuplicate,
				Severity: SeverityError,
				Detail:   fmt.Sprintf("slot %s held by %s and %s", coordinate.Identity(slot), owner, rec.SourceKey),
			})
			return nil
		}
		owners[slot] = rec.SourceKey
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("scan records: %w", err)
	}
	return findings, stats, nil
}
