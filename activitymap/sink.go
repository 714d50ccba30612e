package activitymap

import (
	"context"

	auth "github.com/goliatone/go-market-auth"
	"go.uber.org/zap"
)

// Publisher receives normalized records.
type Publisher func(ctx context.Context, record Normalized) error

// Sink is an auth.ActivitySink that normalizes events before publishing.
type Sink struct {
	publish Publisher
	opts    []Option
}

var _ auth.ActivitySink = (*Sink)(nil)

// NewSink returns a sink forwarding to publish.
func NewSink(publish Publisher, opts ...Option) *Sink {
	return &Sink{publish: publish, opts: opts}
}

// Record implements auth.ActivitySink.
func (s *Sink) Record(ctx context.Context, event auth.ActivityEvent) error {
	if s == nil || s.publish == nil {
		return nil
	}
	return s.publish(ctx, Normalize(event, s.opts...))
}

// ZapPublisher writes each record as a structured info entry.
func ZapPublisher(logger *zap.Logger) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, record Normalized) error {
		fields := []zap.Field{
			zap.String("actor_id", record.ActorID),
			zap.String("object_type", record.ObjectType),
			zap.String("object_id", record.ObjectID),
			zap.String("channel", record.Channel),
			zap.Time("occurred_at", record.OccurredAt),
		}
		if len(record.Metadata) > 0 {
			fields = append(fields, zap.Any("metadata", record.Metadata))
		}
		logger.Info(record.Verb, fields...)
		return nil
	}
}
