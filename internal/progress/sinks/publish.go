package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
)

// DefaultPublishKinds are the event kinds forwarded by a PublishSink when none
// are configured.
var DefaultPublishKinds = []progress.Kind{
	progress.KindPlanCreated,
	progress.KindSessionState,
	progress.KindBatchComplete,
	progress.KindAnomaly,
	progress.KindSessionSummary,
}

// PublishSink forwards a subset of events to a message topic.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	kinds     map[progress.Kind]struct{}
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink. An empty kinds list selects
// DefaultPublishKinds.
func NewPublishSink(publisher crawler.Publisher, topic string, kinds []progress.Kind, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(kinds) == 0 {
		kinds = DefaultPublishKinds
	}
	set := make(map[progress.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &PublishSink{publisher: publisher, topic: topic, kinds: set, logger: logger.Named("publish_sink")}
}

// Consume publishes the selected events in order. A failed publish does not
// stop the rest of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, ok := s.kinds[evt.Kind]; !ok {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
			continue
		}
		s.logger.Debug("event published",
			zap.String("kind", string(evt.Kind)),
			zap.String("session_id", evt.SessionID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
