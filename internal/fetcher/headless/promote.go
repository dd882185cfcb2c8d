package headless

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Detector decides whether a static fetch needs rendering.
type Detector interface {
	ShouldPromote(page crawler.RawPage) bool
}

// Promoting fetches statically and re-fetches through a renderer when the
// detector flags the response.
type Promoting struct {
	static   crawler.FetchProvider
	rendered crawler.FetchProvider
	detector Detector
	logger   *zap.Logger
}

// NewPromoting wires a static fetcher, a renderer and a detector.
func NewPromoting(static, rendered crawler.FetchProvider, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{static: static, rendered: rendered, detector: detector, logger: logger.Named("promoting_fetcher")}
}

// Fetch implements crawler.FetchProvider.
func (p *Promoting) Fetch(ctx context.Context, url string) (crawler.RawPage, error) {
	page, err := p.static.Fetch(ctx, url)
	if err != nil {
		return crawler.RawPage{}, err
	}
	if p.rendered == nil || p.detector == nil || !p.detector.ShouldPromote(page) {
		return page, nil
	}
	p.logger.Debug("promoting fetch to headless renderer", zap.String("url", url))
	return p.rendered.Fetch(ctx, url)
}
