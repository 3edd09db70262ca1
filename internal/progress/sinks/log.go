package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/progress"
)

// LogSink writes run-level events at info and item events at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Stage == progress.StageItemDone {
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.Int("worker", evt.Worker),
				zap.String("outcome", evt.Outcome),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("reason", evt.Note))
			}
			s.logger.Debug("progress event", fields...)
			continue
		}
		if evt.Rows > 0 {
			fields = append(fields, zap.Int64("rows", evt.Rows))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
