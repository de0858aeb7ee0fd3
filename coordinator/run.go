package coordinator

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"board-sync/domain"
)

const tracerName = "board-sync/coordinator"

type state string

const (
	stateIdle       state = "idle"
	stateResolving  state = "resolving"
	stateCommitting state = "committing"
	stateRejected   state = "rejected"
)

// run tracks one intent through the state machine. Every transition is a
// debug log line and a span event.
type run struct {
	op    string
	state state
	span  trace.Span
	entry *log.Entry
}

func (c *Coordinator) begin(ctx context.Context, op, boardID, userID string, attrs ...attribute.KeyValue) (context.Context, *run) {
	attrs = append(attrs,
		attribute.String("board.id", boardID),
		attribute.String("user.id", userID),
	)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator."+op, trace.WithAttributes(attrs...))
	return ctx, &run{
		op:    op,
		state: stateIdle,
		span:  span,
		entry: c.logger.WithFields(log.Fields{"op": op, "board": boardID, "user": userID}),
	}
}

func (r *run) to(next state) {
	r.entry.WithFields(log.Fields{"from": r.state, "to": next}).Debug("coordinator transition")
	r.span.AddEvent("transition", traceAttrs(
		attribute.String("from", string(r.state)),
		attribute.String("to", string(next)),
	))
	r.state = next
}

func (r *run) done() {
	r.to(stateIdle)
	r.span.SetStatus(codes.Ok, "")
}

// reject ends the run with a classified rejection.
func (r *run) reject(kind, cause error) error {
	r.to(stateRejected)
	err := domain.Reject(r.op, kind, cause)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, kind.Error())
	r.entry.WithError(err).Info("intent rejected")
	return err
}

// fail ends the run with an unexpected error.
func (r *run) fail(err error) error {
	r.to(stateRejected)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.entry.WithError(err).Error("intent failed")
	return err
}

// storeErr classifies a store error at stage.
func (r *run) storeErr(stage string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return r.reject(domain.ErrNotFound, fmt.Errorf("%s: %w", stage, err))
	case errors.Is(err, domain.ErrRetryableConflict):
		return r.reject(domain.ErrRetryableConflict, fmt.Errorf("%s: %w", stage, err))
	default:
		return r.fail(fmt.Errorf("%s: %w", stage, err))
	}
}

func (r *run) end() {
	r.span.End()
}

func traceAttrs(kv ...attribute.KeyValue) trace.EventOption {
	return trace.WithAttributes(kv...)
}
