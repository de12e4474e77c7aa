package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// NoOpSink discards all events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// NewFanout drops nil sinks.
func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Emit stamps the id, timestamp and request id once so every sink sees the
// same event.
func (f Fanout) Emit(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFrom(ctx)
	}
	for _, s := range f {
		s.Emit(ctx, event)
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink returns a sink writing through log.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, event Event) {
	entry := s.log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"component":  event.Component,
		"entity_id":  event.EntityID,
		"actor":      event.Actor,
	})
	if event.RequestID != "" {
		entry = entry.WithField("request_id", event.RequestID)
	}
	if event.OldState != "" || event.NewState != "" {
		entry = entry.WithField("old_state", event.OldState).WithField("new_state", event.NewState)
	}
	for k, v := range event.Metadata {
		entry = entry.WithField("meta_"+k, v)
	}
	msg := event.Message
	if msg == "" {
		msg = string(event.Type)
	}
	switch event.Severity {
	case SeverityError:
		entry.Error(msg)
	case SeverityWarning:
		entry.Warn(msg)
	case SeverityDebug:
		entry.Debug(msg)
	default:
		entry.Info(msg)
	}
}
