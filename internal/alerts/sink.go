package alerts

import (
	"context"
	"log/slog"

	"tickrelay/internal/domain"
)

// Compile-time interface check.
var _ Sink = (*LogSink)(nil)

// LogSink is a Sink that records deliveries in the log. It stands in for a
// real delivery transport, which is an external collaborator.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With("component", "notify")}
}

// Deliver logs each notification in the batch.
func (s *LogSink) Deliver(ctx context.Context, batch []domain.Notification) error {
	for _, n := range batch {
		s.log.Info("notification",
			"alert", n.AlertID,
			"owner", n.OwnerID,
			"priority", n.Priority.String(),
			"payload", n.Payload)
	}
	return nil
}
