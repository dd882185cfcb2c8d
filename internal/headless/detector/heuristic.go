// Package detector decides when a statically fetched catalog page must be
// re-fetched through the headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// DefaultMarkers identify client-rendered shells.
var DefaultMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
}

// Heuristic implements rule-based promotion.
type Heuristic struct {
	BodyLengthThreshold int
	Markers             [][]byte
}

// NewHeuristic creates a detector. Extra markers are matched in addition to
// DefaultMarkers.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range append(append([]string(nil), DefaultMarkers...), extraMarkers...) {
		if m = strings.TrimSpace(m); m != "" {
			h.Markers = append(h.Markers, []byte(m))
		}
	}
	return h
}

// ShouldPromote reports whether page looks like an unrendered shell.
func (h *Heuristic) ShouldPromote(page crawler.RawPage) bool {
	if page.StatusCode != http.StatusOK {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range h.Markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by <script> elements.
// Unterminated tags count to the end of the document.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	for pos := 0; pos < total; {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt != -1 {
			contentStart := start + gt + 1
			if closeAt := strings.Index(lower[contentStart:], closeTag); closeAt != -1 {
				end = contentStart + closeAt + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
