package commands

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logExporter writes finished spans to the logger at debug level. Failed
// spans are logged as warnings.
type logExporter struct {
	logger *log.Logger
}

func newLogExporter(logger *log.Logger) *logExporter {
	return &logExporter{logger: logger}
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		failed := s.Status().Code == codes.Error
		if !failed && !e.logger.IsLevelEnabled(log.DebugLevel) {
			continue
		}
		fields := log.Fields{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"span_id":     s.SpanContext().SpanID().String(),
			"duration_ms": float64(s.EndTime().Sub(s.StartTime()).Microseconds()) / 1000,
			"events":      len(s.Events()),
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		entry := e.logger.WithFields(fields)
		if failed {
			entry.WithField("status", s.Status().Description).Warn("span failed")
			continue
		}
		entry.Debug("span")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
