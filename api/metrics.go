package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "board-sync/api"
	movesSpanName    = "moves.request"
	movesEventName   = "moves.request.metrics"
	movesEventDomain = "board-sync.api"
)

// moveRequestMetrics times the stages of one move request and emits them as
// a structured log line and a span.
type moveRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	start          time.Time
	authDuration   time.Duration
	decodeDuration time.Duration
	commitDuration time.Duration
	reindexed      bool
	duplicate      bool
	errorStage     string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*moveRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, movesSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *moveRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *moveRequestMetrics) ObserveDecode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.decodeDuration = duration
}

func (m *moveRequestMetrics) ObserveCommit(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.commitDuration = duration
}

func (m *moveRequestMetrics) SetReindexed(reindexed bool) {
	m.reindexed = reindexed
}

func (m *moveRequestMetrics) SetDuplicate(duplicate bool) {
	m.duplicate = duplicate
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	total := durationToMillis(time.Since(m.start))
	severity, severityNumber := severityForStatus(status, err)
	fields := log.Fields{
		"event.name":      movesEventName,
		"event.domain":    movesEventDomain,
		"severity_text":   severity,
		"severity_number": severityNumber,
		"route":           m.route,
		"status":          status,
		"total_ms":        total,
		"reindexed":       m.reindexed,
		"duplicate":       m.duplicate,
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("moves.total_ms", total),
		attribute.Bool("moves.reindexed", m.reindexed),
		attribute.Bool("moves.duplicate", m.duplicate),
	}

	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
		attrs = append(attrs, attribute.Float64("moves.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.decodeDuration > 0 {
		fields["decode_ms"] = durationToMillis(m.decodeDuration)
		attrs = append(attrs, attribute.Float64("moves.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.commitDuration > 0 {
		fields["commit_ms"] = durationToMillis(m.commitDuration)
		attrs = append(attrs, attribute.Float64("moves.commit_ms", durationToMillis(m.commitDuration)))
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String("moves.error_stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(append(attrs,
		attribute.String("event.name", movesEventName),
		attribute.String("severity_text", severity),
	)...))
	switch {
	case err != nil:
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	entry := m.logger.WithFields(fields)
	switch severity {
	case "ERROR":
		entry.Error(movesEventName)
	case "WARN":
		entry.Warn(movesEventName)
	default:
		entry.Info(movesEventName)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
