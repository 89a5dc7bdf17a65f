package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
)

// LogSink emits structured logs for crawl lifecycle events. Page events are
// logged at debug level since deep spaces produce thousands of them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("crawl_id", evt.CrawlUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("space_id", evt.SpaceID),
			zap.Int64("items", evt.Items),
			zap.Int64("pages", evt.Pages),
		}
		switch evt.Stage {
		case progress.StageCrawlPage:
			s.logger.Debug("crawl progress", fields...)
		case progress.StageCrawlError:
			fields = append(fields,
				zap.String("outcome", string(evt.Outcome)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Warn("crawl event", fields...)
		default:
			if evt.RootToken != "" {
				fields = append(fields, zap.String("root_token", evt.RootToken))
			}
			if evt.Dur > 0 {
				fields = append(fields, zap.Duration("dur", evt.Dur))
			}
			s.logger.Info("crawl event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
