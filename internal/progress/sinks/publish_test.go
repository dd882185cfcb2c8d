package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/publisher/memory"
)

func TestPublishSinkForwardsSelectedKinds(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "crawl-events", nil, nil)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindSessionState, SessionID: "s1", TS: now, Status: "running"},
		{Kind: progress.KindTaskLifecycle, SessionID: "s1", TS: now},
		{Kind: progress.KindBatchStageStart, SessionID: "s1", TS: now, StageType: crawler.StageListCollection},
		{Kind: progress.KindAnomaly, SessionID: "s1", TS: now, Anomaly: progress.AnomalyRangeLoop},
		{Kind: progress.KindSessionSummary, SessionID: "s1", TS: now, Summary: &crawler.SessionSummary{SessionID: "s1"}},
	}))

	msgs := pub.Messages("crawl-events")
	require.Len(t, msgs, 3)
	var evt progress.Event
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &evt))
	require.Equal(t, progress.KindAnomaly, evt.Kind)
	require.Equal(t, progress.AnomalyRangeLoop, evt.Anomaly)
}

func TestPublishSinkCustomKindsAndErrors(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	sink := NewPublishSink(pub, "t", []progress.Kind{progress.KindBatchComplete}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindBatchComplete, SessionID: "s1", BatchID: 0},
		{Kind: progress.KindSessionState, SessionID: "s1"},
		{Kind: progress.KindBatchComplete, SessionID: "s1", BatchID: 1},
	})
	require.ErrorContains(t, err, "publish batch_complete")
	require.Equal(t, 2, pub.calls)
}

type failingPublisher struct {
	calls int
}

func (f *failingPublisher) Publish(context.Context, string, any) (string, error) {
	f.calls++
	return "", errors.New("topic not found")
}
