package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
)

// LogSink writes events as structured log lines. Task lifecycle events are
// logged at debug level; everything else at info, anomalies at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Kind {
		case progress.KindTaskLifecycle, progress.KindBatchStageStart, progress.KindBatchStageComplete:
			level = zapcore.DebugLevel
		case progress.KindAnomaly:
			level = zapcore.WarnLevel
		}
		if ce := s.logger.Check(level, string(evt.Kind)); ce != nil {
			ce.Write(eventFields(evt)...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("session_id", evt.SessionID),
		zap.Time("ts", evt.TS),
	}
	if evt.PlanID != "" {
		fields = append(fields, zap.String("plan_id", evt.PlanID))
	}
	switch evt.Kind {
	case progress.KindPlanCreated:
		fields = append(fields, zap.Int("list_phase_count", evt.ListPhaseCount))
	case progress.KindPlanHashAssigned:
		fields = append(fields, zap.String("plan_hash", evt.PlanHash))
	case progress.KindSessionState:
		fields = append(fields, zap.String("status", evt.Status))
	case progress.KindStageStart, progress.KindStageComplete:
		fields = append(fields,
			zap.Int("phase_index", evt.PhaseIndex),
			zap.String("stage_type", string(evt.StageType)),
			zap.Int("items_processed", evt.ItemsProcessed),
		)
	case progress.KindBatchStart:
		fields = append(fields, zap.Int("batch_id", evt.BatchID), zap.Uint32s("pages", evt.Pages))
	case progress.KindBatchComplete:
		fields = append(fields,
			zap.Int("batch_id", evt.BatchID),
			zap.String("status", evt.Status),
			zap.Int("pages_completed", evt.PagesCompleted),
		)
	case progress.KindBatchStageStart, progress.KindBatchStageComplete:
		fields = append(fields,
			zap.Int("batch_id", evt.BatchID),
			zap.String("stage_type", string(evt.StageType)),
			zap.Int("items_processed", evt.ItemsProcessed),
		)
	case progress.KindTaskLifecycle:
		if t := evt.Task; t != nil {
			fields = append(fields,
				zap.Int("batch_id", evt.BatchID),
				zap.String("task_id", t.Context.TaskID),
				zap.String("stage_type", string(t.Context.StageType)),
				zap.String("event", string(t.Event)),
				zap.Int("retry_attempt", t.Context.RetryAttempt),
				zap.String("target", t.Target),
				zap.Int64("duration_ms", t.DurationMs),
				zap.String("error_code", t.ErrorCode),
			)
		}
	case progress.KindPartialPage:
		fields = append(fields, zap.Int("batch_id", evt.BatchID), zap.Uint32("page", evt.Page), zap.String("note", evt.Note))
	case progress.KindAnomaly:
		fields = append(fields, zap.Int("batch_id", evt.BatchID), zap.String("anomaly", evt.Anomaly), zap.String("note", evt.Note))
	case progress.KindSessionSummary:
		if sum := evt.Summary; sum != nil {
			fields = append(fields,
				zap.Int("completed_pages", sum.CompletedPages),
				zap.Int("expected_pages", sum.ExpectedPages),
				zap.Int("failed_count", sum.FailedCount),
				zap.Strings("mismatch_flags", sum.MismatchFlags),
			)
		}
	}
	return fields
}
