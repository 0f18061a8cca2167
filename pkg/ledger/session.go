package ledger

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evapi/pkg/wallet"
)

var tracer = otel.Tracer("evapi/ledger")

type State int

const (
	StateIdle State = iota
	StateIdentityResolved
	StateSessionOpen
	StateExecuted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdentityResolved:
		return "IDENTITY_RESOLVED"
	case StateSessionOpen:
		return "SESSION_OPEN"
	case StateExecuted:
		return "EXECUTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "IDLE"
	}
}

// Session is bound to one identity and one channel/contract pair. It belongs
// to a single request and is never reused.
type Session struct {
	Identity string
	Channel  string
	Contract string

	mu       sync.Mutex
	state    State
	conn     Connection
	handle   Contract
	once     sync.Once
	observer Observer
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// Close releases the connection. Only the first call does anything.
func (s *Session) Close() {
	s.once.Do(func() {
		s.conn.Close()
		s.advance(StateClosed)
		s.observer.SessionClosed()
	})
}

// Manager opens sessions. Store and Dialer are long-lived and shared by all requests.
type Manager struct {
	Store    wallet.Store
	Dialer   Dialer
	Observer Observer
}

func (m *Manager) observer() Observer {
	if m.Observer == nil {
		return nopObserver{}
	}
	return m.Observer
}

// Open resolves id and connects under it. An absent identity fails with
// *IdentityNotFoundError before any dial; a failure after dialing closes the
// connection and returns *ConnectError.
func (m *Manager) Open(ctx context.Context, id, channel, contract string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "ledger.open")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.channel", channel), attribute.String("ledger.contract", contract))

	cred, err := m.Store.Get(ctx, id)
	if errors.Is(err, wallet.ErrNotFound) {
		err = &IdentityNotFoundError{ID: id}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	sess := &Session{Identity: id, Channel: channel, Contract: contract, state: StateIdentityResolved, observer: m.observer()}

	conn, err := bounded(ctx, func() (Connection, error) {
		return m.Dialer.Dial(ctx, id, cred)
	}, func(late Connection) { late.Close() })
	if err != nil {
		return nil, m.connectErr(span, sess, "dial", err)
	}
	handle, err := bounded(ctx, func() (Contract, error) {
		return conn.Contract(channel, contract)
	}, nil)
	if err != nil {
		conn.Close()
		return nil, m.connectErr(span, sess, "contract", err)
	}

	sess.conn = conn
	sess.handle = handle
	sess.advance(StateSessionOpen)
	sess.observer.SessionOpened()
	return sess, nil
}

func (m *Manager) connectErr(span trace.Span, s *Session, stage string, err error) error {
	ce := &ConnectError{Identity: s.Identity, Channel: s.Channel, Contract: s.Contract, Stage: stage, Err: err}
	span.SetStatus(codes.Error, ce.Error())
	return ce
}
