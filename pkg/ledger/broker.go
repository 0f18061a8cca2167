package ledger

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Timeouts struct {
	Open  time.Duration // identity lookup plus connect
	Run   time.Duration
	Close time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Open: 15 * time.Second, Run: 30 * time.Second, Close: 5 * time.Second}
}

// Broker runs one invocation per call against a fixed channel and contract.
type Broker struct {
	Sessions *Manager
	Channel  string
	Contract string
	Timeouts Timeouts
}

// Do resolves identity, opens a session, runs inv and closes the session
// before returning, whatever the outcome.
func (b *Broker) Do(ctx context.Context, identity string, inv Invocation) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "ledger."+inv.Operation)
	defer span.End()
	span.SetAttributes(attribute.String("ledger.mode", inv.Mode.String()))

	openCtx, cancelOpen := withTimeout(ctx, b.Timeouts.Open)
	sess, err := b.Sessions.Open(openCtx, identity, b.Channel, b.Contract)
	cancelOpen()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer b.release(sess)

	runCtx, cancelRun := withTimeout(ctx, b.Timeouts.Run)
	defer cancelRun()
	out, err := Run(runCtx, sess, inv)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// release closes sess on a fresh context so a cancelled request still gets
// its connection released.
func (b *Broker) release(sess *Session) {
	timeout := b.Timeouts.Close
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := bounded(ctx, func() (struct{}, error) {
		sess.Close()
		return struct{}{}, nil
	}, nil); err != nil {
		log.Printf("ledger: close session for %s/%s still pending: %v", sess.Channel, sess.Contract, err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
