package ledger

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errSessionNotOpen = errors.New("session is not open")

// Run executes inv once on an open session. There are no retries: a submit
// may already have taken effect when its reply is lost.
func Run(ctx context.Context, s *Session, inv Invocation) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "ledger.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.operation", inv.Operation),
		attribute.String("ledger.mode", inv.Mode.String()),
	)

	if s == nil || s.State() != StateSessionOpen {
		return nil, &OperationError{Operation: inv.Operation, Mode: inv.Mode, Err: errSessionNotOpen}
	}
	start := time.Now()
	out, err := bounded(ctx, func() ([]byte, error) {
		if inv.Mode == Submit {
			return s.handle.SubmitTransaction(inv.Operation, inv.Args...)
		}
		return s.handle.EvaluateTransaction(inv.Operation, inv.Args...)
	}, nil)
	s.advance(StateExecuted)
	if err != nil {
		err = &OperationError{Operation: inv.Operation, Mode: inv.Mode, Err: err}
		span.SetStatus(codes.Error, err.Error())
	}
	s.observer.OperationDone(inv.Operation, inv.Mode, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return out, nil
}
