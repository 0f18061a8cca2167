// Package ledger brokers single operations against a ledger contract under a
// stakeholder's stored identity.
//
// Each request resolves the identity, opens its own session, runs exactly one
// operation and closes the session, in that order and on every path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evapi/pkg/wallet"
)

type Mode int

const (
	Evaluate Mode = iota
	Submit
)

func (m Mode) String() string {
	if m == Submit {
		return "submit"
	}
	return "evaluate"
}

// Invocation is one named contract operation. Args are forwarded in order and
// never interpreted here.
type Invocation struct {
	Operation string
	Args      []string
	Mode      Mode
}

// Contract matches the contract handle of the Fabric gateway SDK.
type Contract interface {
	EvaluateTransaction(name string, args ...string) ([]byte, error)
	SubmitTransaction(name string, args ...string) ([]byte, error)
}

// Connection is an authenticated connection to the ledger network.
type Connection interface {
	Contract(channel, name string) (Contract, error)
	Close()
}

type Dialer interface {
	Dial(ctx context.Context, id string, cred wallet.Credential) (Connection, error)
}

// Observer receives session and operation outcomes. The metrics registry implements it.
type Observer interface {
	SessionOpened()
	SessionClosed()
	OperationDone(op string, mode Mode, err error, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()                                   {}
func (nopObserver) SessionClosed()                                   {}
func (nopObserver) OperationDone(string, Mode, error, time.Duration) {}

type IdentityNotFoundError struct {
	ID string
}

func (e *IdentityNotFoundError) Error() string {
	return fmt.Sprintf("an identity for the user %q does not exist in the wallet", e.ID)
}

// ConnectError is any failure between dialing and holding a contract handle.
type ConnectError struct {
	Identity string
	Channel  string
	Contract string
	Stage    string // dial or contract
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s/%s as %q failed at %s: %v", e.Channel, e.Contract, e.Identity, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// OperationError wraps a contract rejection, network failure or timeout during execution.
type OperationError struct {
	Operation string
	Mode      Mode
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("failed to %s transaction %s: %v", e.Mode, e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func IsIdentityNotFound(err error) bool {
	var nf *IdentityNotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err ended on a deadline rather than a remote answer.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// bounded runs fn on its own goroutine and returns when it finishes or ctx
// ends, whichever is first. A value fn produces after ctx ended goes to discard.
func bounded[T any](ctx context.Context, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-ch; r.err == nil {
					discard(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
