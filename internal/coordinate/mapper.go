// Package coordinate converts raw listing positions into stable destination
// slots and record identities.
//
// The live listing is newest-first: page 1 holds the newest items and the
// last page holds the oldest, possibly short, run. A raw position is turned
// into a total index counted from the oldest item so that items keep their
// slot as new items are prepended to the listing.
package coordinate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Geometry is the catalog shape the mapper works against.
type Geometry struct {
	TotalPages      uint32
	ItemsPerPage    uint32
	ItemsOnLastPage uint32
	TargetPageSize  uint32
}

// GeometryFromFrontier combines a frontier snapshot with the destination page size.
func GeometryFromFrontier(f crawler.Frontier, targetPageSize uint32) Geometry {
	return Geometry{
		TotalPages:      f.TotalPages,
		ItemsPerPage:    f.ItemsPerPage,
		ItemsOnLastPage: f.ItemsOnLastPage,
		TargetPageSize:  targetPageSize,
	}
}

// Mapper is a pure raw-position to slot converter.
type Mapper struct {
	geo   Geometry
	total uint64
}

// NewMapper validates the geometry and returns a Mapper.
func NewMapper(geo Geometry) (*Mapper, error) {
	if geo.ItemsPerPage == 0 {
		return nil, errors.New("items per page must be > 0")
	}
	if geo.TargetPageSize == 0 {
		return nil, errors.New("target page size must be > 0")
	}
	if geo.TotalPages > 0 && (geo.ItemsOnLastPage == 0 || geo.ItemsOnLastPage > geo.ItemsPerPage) {
		return nil, fmt.Errorf("items on last page must be in [1, %d], got %d", geo.ItemsPerPage, geo.ItemsOnLastPage)
	}
	f := crawler.Frontier{TotalPages: geo.TotalPages, ItemsPerPage: geo.ItemsPerPage, ItemsOnLastPage: geo.ItemsOnLastPage}
	return &Mapper{geo: geo, total: f.TotalProducts()}, nil
}

// Geometry returns the mapper's geometry.
func (m *Mapper) Geometry() Geometry { return m.geo }

// TotalProducts returns the number of items in the listing.
func (m *Mapper) TotalProducts() uint64 { return m.total }

// ItemsOnPage returns how many items the given source page should carry.
func (m *Mapper) ItemsOnPage(page uint32) uint32 {
	f := crawler.Frontier{TotalPages: m.geo.TotalPages, ItemsPerPage: m.geo.ItemsPerPage, ItemsOnLastPage: m.geo.ItemsOnLastPage}
	return f.ItemsOnPage(page)
}

// Map converts a 1-based source page and 0-based index on that page into a
// slot. Positions outside the listing are rejected.
func (m *Mapper) Map(page, indexOnPage uint32) (crawler.Slot, error) {
	if page == 0 || page > m.geo.TotalPages {
		return crawler.Slot{}, fmt.Errorf("page %d outside listing of %d pages", page, m.geo.TotalPages)
	}
	if indexOnPage >= m.ItemsOnPage(page) {
		return crawler.Slot{}, fmt.Errorf("index %d outside page %d holding %d items", indexOnPage, page, m.ItemsOnPage(page))
	}
	fromNewest := uint64(page-1)*uint64(m.geo.ItemsPerPage) + uint64(indexOnPage)
	return m.SlotAt(m.total - 1 - fromNewest), nil
}

// SlotAt returns the slot holding the given total index.
func (m *Mapper) SlotAt(totalIndex uint64) crawler.Slot {
	size := uint64(m.geo.TargetPageSize)
	return crawler.Slot{
		PageID:      uint32(totalIndex / size),
		IndexInPage: uint32(totalIndex % size),
	}
}

// TotalIndex returns the oldest-first index of a slot.
func (m *Mapper) TotalIndex(slot crawler.Slot) uint64 {
	return uint64(slot.PageID)*uint64(m.geo.TargetPageSize) + uint64(slot.IndexInPage)
}

// Raw inverts Map for slots inside the current listing.
func (m *Mapper) Raw(slot crawler.Slot) (uint32, uint32, error) {
	if slot.IndexInPage >= m.geo.TargetPageSize {
		return 0, 0, fmt.Errorf("slot index %d exceeds target page size %d", slot.IndexInPage, m.geo.TargetPageSize)
	}
	ti := m.TotalIndex(slot)
	if ti >= m.total {
		return 0, 0, fmt.Errorf("slot %s beyond listing of %d items", Identity(slot), m.total)
	}
	fromNewest := m.total - 1 - ti
	ipp := uint64(m.geo.ItemsPerPage)
	return uint32(fromNewest/ipp) + 1, uint32(fromNewest % ipp), nil
}

// Identity renders the canonical identity of a slot.
func Identity(slot crawler.Slot) crawler.RecordIdentity {
	return crawler.RecordIdentity(fmt.Sprintf("p%04di%02d", slot.PageID, slot.IndexInPage))
}

var identityPattern = regexp.MustCompile(`^p(\d{4,})i(\d{2,})$`)

// ParseIdentity inverts Identity.
func ParseIdentity(id string) (crawler.Slot, error) {
	m := identityPattern.FindStringSubmatch(id)
	if m == nil {
		return crawler.Slot{}, fmt.Errorf("malformed identity %q", id)
	}
	page, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return crawler.Slot{}, fmt.Errorf("identity %q page: %w", id, err)
	}
	idx, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return crawler.Slot{}, fmt.Errorf("identity %q index: %w", id, err)
	}
	slot := crawler.Slot{PageID: uint32(page), IndexInPage: uint32(idx)}
	if string(Identity(slot)) != id {
		return crawler.Slot{}, fmt.Errorf("identity %q is not canonical", id)
	}
	return slot, nil
}

// RecordIdentity returns the identity of a record, or false when either
// coordinate is unknown.
func RecordIdentity(rec crawler.Record) (crawler.RecordIdentity, bool) {
	if rec.Slot == nil {
		return "", false
	}
	return Identity(*rec.Slot), true
}

// VerifyStored checks that a persisted record's identity is present exactly
// when both coordinates are, and that it equals the derived identity.
func VerifyStored(rec crawler.StoredRecord) error {
	hasPage, hasIndex, hasID := rec.PageID != nil, rec.IndexInPage != nil, rec.Identity != nil
	if hasPage != hasIndex || hasPage != hasID {
		return fmt.Errorf("null mismatch: page_id=%t index_in_page=%t identity=%t", hasPage, hasIndex, hasID)
	}
	if !hasID {
		return nil
	}
	want := Identity(crawler.Slot{PageID: *rec.PageID, IndexInPage: *rec.IndexInPage})
	if string(want) != *rec.Identity {
		return fmt.Errorf("identity %q does not match slot %s", *rec.Identity, want)
	}
	return nil
}

// CheckCollision rejects a candidate whose slot is already held by a
// different record.
func CheckCollision(id crawler.RecordIdentity, existing *crawler.StoredRecord, candidate crawler.Record) error {
	if existing == nil || existing.SourceKey == "" || existing.SourceKey == candidate.Fields.SourceKey {
		return nil
	}
	return &crawler.SlotConflictError{
		Identity:    id,
		ExistingKey: existing.SourceKey,
		IncomingKey: candidate.Fields.SourceKey,
	}
}
