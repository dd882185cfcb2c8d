package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/config"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	memorypublisher "github.com/JakeFAU/certcatalog-crawler/internal/publisher/memory"
	"github.com/JakeFAU/certcatalog-crawler/internal/session"
	memorystorage "github.com/JakeFAU/certcatalog-crawler/internal/storage/memory"
)

// newCatalogSite serves a newest-first listing of total certifications,
// ipp per page, using the default parser selectors.
func newCatalogSite(t *testing.T, total, ipp int, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil || page < 1 {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		var rows strings.Builder
		for i := 0; i < ipp; i++ {
			ti := total - 1 - ((page-1)*ipp + i)
			if ti < 0 {
				break
			}
			fmt.Fprintf(&rows, `<tr><td class="cert-id">cert-%03d</td><td><a class="cert-link" href="/cert/cert-%03d">view</a></td></tr>`, ti, ti)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><table class="certifications"><tbody>%s</tbody></table></body></html>`, rows.String())
	})
	mux.HandleFunc("/cert/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/cert/")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><article class="certification"><span class="cert-id">%s</span><h1>Product %s</h1></article></body></html>`, key, key)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Catalog.ListURL = siteURL + "/list?page=%d"
	cfg.Catalog.TargetPageSize = 4
	cfg.Catalog.MaxPages = 64
	cfg.Crawl.BatchPages = 2
	cfg.Crawl.StageBudget = 0
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.HTTP.RespectRobots = false
	cfg.HTTP.RPS = 0
	cfg.HTTP.Timeout = 5 * time.Second
	cfg.Parser.Fields = map[string]string{"title": "h1"}
	cfg.Parser.Required = []string{"title"}
	cfg.Events.MaxBatchWait = 10 * time.Millisecond
	return cfg
}

func TestRunSessionEndToEnd(t *testing.T) {
	t.Parallel()

	site := newCatalogSite(t, 10, 4, 0)
	cfg := testConfig(t, site.URL)
	cfg.PubSub = config.PubSubConfig{Enabled: true, ProjectID: "test", TopicName: "crawl-events"}

	blobs := memorystorage.NewBlobStore()
	pub := memorypublisher.New()
	ctx := context.Background()
	app, err := Build(ctx, cfg, zap.NewNop(), Options{
		Registerer: prometheus.NewRegistry(),
		Blobs:      blobs,
		Publisher:  pub,
	})
	require.NoError(t, err)

	sess, summary, err := app.RunSession(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, sess.State())
	require.Equal(t, 3, summary.ExpectedPages)
	require.Equal(t, 3, summary.CompletedPages)
	require.Zero(t, summary.FailedCount)

	findings, stats, err := app.Audit(ctx)
	require.NoError(t, err)
	require.Empty(t, findings)
	require.Equal(t, 10, stats.Records)
	require.Equal(t, 10, stats.Slotted)

	// A second run over the unchanged listing finds nothing new.
	_, again, err := app.RunSession(ctx)
	require.NoError(t, err)
	require.Zero(t, again.ExpectedPages)

	require.NoError(t, app.Close(ctx))

	report, err := app.Replay(ctx, sess.ID())
	require.NoError(t, err)
	require.True(t, report.OK(), "findings: %+v", report.Findings)
	require.Equal(t, sess.ID(), report.SessionID)

	var kinds []progress.Kind
	for _, m := range pub.Messages("crawl-events") {
		var evt progress.Event
		require.NoError(t, json.Unmarshal(m.Payload, &evt))
		if evt.SessionID == sess.ID() {
			kinds = append(kinds, evt.Kind)
		}
	}
	require.Contains(t, kinds, progress.KindPlanCreated)
	require.Contains(t, kinds, progress.KindSessionSummary)
	require.NotContains(t, kinds, progress.KindTaskLifecycle)
}

func TestStartSessionAdmitsOneAtATime(t *testing.T) {
	t.Parallel()

	site := newCatalogSite(t, 40, 4, 50*time.Millisecond)
	cfg := testConfig(t, site.URL)
	app, err := Build(context.Background(), cfg, nil, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	id, err := app.StartSession(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = app.StartSession(context.Background())
	require.ErrorIs(t, err, session.ErrBusy)

	rec := httptest.NewRecorder()
	app.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	app.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Close(closeCtx))

	sess, ok := app.Registry().Get(id)
	require.True(t, ok)
	require.True(t, sess.State().Terminal())
}

func TestBuildRejectsBadParser(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://catalog.invalid")
	cfg.Parser.Link = ""
	_, err := Build(context.Background(), cfg, nil, Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "parser init failed")
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://catalog.invalid")
	app, err := Build(context.Background(), cfg, nil, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	c, err := app.schedule()
	require.NoError(t, err)
	require.Nil(t, c)

	app.cfg.Schedule.Cron = "*/15 * * * *"
	c, err = app.schedule()
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)

	app.cfg.Schedule.Cron = "every tuesday"
	_, err = app.schedule()
	require.Error(t, err)
}
