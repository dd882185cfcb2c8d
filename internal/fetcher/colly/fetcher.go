// Package collyfetcher implements crawler.FetchProvider using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/metrics"
)

const providerName = "colly"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Fetcher implements crawler.FetchProvider using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	robots        *robotsGuard
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	f := &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger.Named("colly_fetcher"),
	}
	if cfg.RespectRobots {
		f.robots = newRobotsGuard(transport, func(host, reason string) {
			f.logger.Warn("robots.txt probe fell back to allow-all",
				zap.String("host", host),
				zap.String("reason", reason),
			)
		})
	}
	return f
}

// Fetch executes a single HTTP GET. Non-2xx responses and transport failures
// come back as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.RawPage, error) {
	var (
		page    crawler.RawPage
		failure *crawler.FetchError
	)
	start := time.Now()
	collector := f.buildCollector(&page, &failure)

	err := f.runCollector(ctx, collector, url)
	metrics.ObserveFetch(providerName, statusOf(page, failure), time.Since(start))
	// Colly reports HTTP errors through both OnError and Visit; the hook
	// carries the status code.
	switch {
	case failure != nil && ctx.Err() == nil:
		if failure.URL == "" {
			failure.URL = url
		}
		return crawler.RawPage{}, failure
	case err != nil:
		return crawler.RawPage{}, err
	}
	return page, nil
}

func (f *Fetcher) buildCollector(page *crawler.RawPage, failure **crawler.FetchError) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	switch {
	case f.robots != nil:
		collector.WithTransport(f.robots)
	case f.transport != nil:
		collector.WithTransport(f.transport)
	default:
		collector.WithTransport(newHTTPTransport())
	}

	f.configureCollectorHooks(collector, page, failure)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, page *crawler.RawPage, failure **crawler.FetchError) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.RawPage{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			FetchedAt:   time.Now().UTC(),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		fe := &crawler.FetchError{Err: err}
		if r != nil {
			fe.StatusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				fe.URL = r.Request.URL.String()
			}
		}
		*failure = fe
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{URL: url, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return &crawler.FetchError{URL: url, Err: fmt.Errorf("%w: %v", crawler.ErrBlocked, err)}
		}
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			return fe
		}
		return &crawler.FetchError{URL: url, Err: fmt.Errorf("colly visit failed: %w", err)}
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func statusOf(page crawler.RawPage, failure *crawler.FetchError) int {
	if failure != nil {
		return failure.StatusCode
	}
	return page.StatusCode
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
