package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/certcatalog-crawler/internal/metrics"
)

const (
	reasonHandshakeTimeout = "TLS handshake timeout"
	allowAllRobots         = "User-agent: *\nAllow: /"
)

// robotsGuard sits under every collector the fetcher clones. robots.txt
// probes that stall in the TLS handshake are retried; when they keep failing
// the host is remembered as allow-all and later probes for it are answered
// locally, so a catalog listing does not pay the retry delay on every page.
type robotsGuard struct {
	base    http.RoundTripper
	backoff []time.Duration

	mu         sync.Mutex
	allowAll   map[string]string
	onFallback func(host, reason string)
}

func newRobotsGuard(base http.RoundTripper, onFallback func(host, reason string)) *robotsGuard {
	return &robotsGuard{
		base:       base,
		backoff:    []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second},
		allowAll:   make(map[string]string),
		onFallback: onFallback,
	}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return g.base.RoundTrip(req)
	}
	if _, ok := g.fallenBack(req.URL.Host); ok {
		return allowAllResponse(req), nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			return resp, nil
		case !handshakeStalled(err):
			return nil, err
		case attempt == len(g.backoff):
			g.markAllowAll(req.URL.Host, reasonHandshakeTimeout)
			return allowAllResponse(req), nil
		}
		if err := pause(req.Context(), g.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (g *robotsGuard) fallenBack(host string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reason, ok := g.allowAll[host]
	return reason, ok
}

func (g *robotsGuard) markAllowAll(host, reason string) {
	g.mu.Lock()
	_, seen := g.allowAll[host]
	g.allowAll[host] = reason
	g.mu.Unlock()
	if seen {
		return
	}
	metrics.ObserveRobotsFallback()
	if g.onFallback != nil {
		g.onFallback(host, reason)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func handshakeStalled(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
