package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evapi/pkg/audit"
	"evapi/pkg/auth"
	"evapi/pkg/enroll"
	"evapi/pkg/events"
	"evapi/pkg/ledger"
	"evapi/pkg/metrics"
	"evapi/pkg/ratelimit"
	"evapi/pkg/store"
	"evapi/pkg/wallet"

	"github.com/jackc/pgx/v5"
)

type contractCall struct {
	mode string
	name string
	args []string
}

type fakeContract struct {
	mu     sync.Mutex
	calls  []contractCall
	result []byte
	err    error
	block  chan struct{}
}

func (c *fakeContract) do(mode, name string, args []string) ([]byte, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, contractCall{mode: mode, name: name, args: append([]string(nil), args...)})
	return c.result, c.err
}

func (c *fakeContract) EvaluateTransaction(name string, args ...string) ([]byte, error) {
	return c.do("evaluate", name, args)
}

func (c *fakeContract) SubmitTransaction(name string, args ...string) ([]byte, error) {
	return c.do("submit", name, args)
}

func (c *fakeContract) Calls() []contractCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contractCall(nil), c.calls...)
}

type fakeDialer struct {
	contract    *fakeContract
	dialErr     error
	contractErr error
	dials       int32
	closes      int32

	mu         sync.Mutex
	identities []string
}

func (d *fakeDialer) Dial(ctx context.Context, id string, cred wallet.Credential) (ledger.Connection, error) {
	atomic.AddInt32(&d.dials, 1)
	d.mu.Lock()
	d.identities = append(d.identities, id)
	d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return fakeConn{d: d}, nil
}

func (d *fakeDialer) Identities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.identities...)
}

type fakeConn struct{ d *fakeDialer }

func (c fakeConn) Contract(channel, name string) (ledger.Contract, error) {
	if c.d.contractErr != nil {
		return nil, c.d.contractErr
	}
	return c.d.contract, nil
}

func (c fakeConn) Close() { atomic.AddInt32(&c.d.closes, 1) }

type fakeAuthority struct {
	registers   int32
	enrolls     int32
	registerErr error
	enrollErr   error
}

func (a *fakeAuthority) Register(ctx context.Context, req enroll.RegistrationRequest, registrar wallet.Credential) (string, error) {
	atomic.AddInt32(&a.registers, 1)
	if a.registerErr != nil {
		return "", a.registerErr
	}
	return "secret-" + req.EnrollmentID, nil
}

func (a *fakeAuthority) Enroll(ctx context.Context, enrollmentID, secret string) (enroll.Enrollment, error) {
	atomic.AddInt32(&a.enrolls, 1)
	if a.enrollErr != nil {
		return enroll.Enrollment{}, a.enrollErr
	}
	return enroll.Enrollment{Certificate: "cert-" + enrollmentID, PrivateKey: "key-" + enrollmentID}, nil
}

type fakeAudit struct {
	mu        sync.Mutex
	records   []audit.Record
	appendErr error
}

func (f *fakeAudit) NewRecord(operation, mode, identity string, args []string) audit.Record {
	f.mu.Lock()
	n := len(f.records)
	f.mu.Unlock()
	return audit.Record{
		ID:           fmt.Sprintf("00000000-0000-4000-8000-%012d", n+1),
		Operation:    operation,
		Mode:         mode,
		IdentityHash: audit.HashIdentity(identity, nil),
		CreatedAt:    time.Now().UTC(),
	}
}

func (f *fakeAudit) Append(ctx context.Context, rec audit.Record) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) Get(ctx context.Context, id string) (audit.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return audit.Record{}, pgx.ErrNoRows
}

func (f *fakeAudit) Records() []audit.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Record(nil), f.records...)
}

type testEnv struct {
	s      *Server
	wallet *wallet.MemoryStore
	dialer *fakeDialer
	ca     *fakeAuthority
	audit  *fakeAudit
}

func testCredential(id string) wallet.Credential {
	return wallet.Credential{Certificate: "cert-" + id, PrivateKey: "key-" + id, MSPID: "Org1MSP", Type: wallet.TypeX509}
}

// newTestEnv builds a gateway with the admin and stakeholder C66F54D1 enrolled.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := wallet.NewMemoryStore()
	for _, id := range []string{"admin_org1", "C66F54D1"} {
		if err := ws.Put(context.Background(), id, testCredential(id)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	d := &fakeDialer{contract: &fakeContract{}}
	ca := &fakeAuthority{}
	fa := &fakeAudit{}
	hub := events.NewHub()
	m := metrics.NewRegistry()
	s := &Server{
		Wallet: ws,
		Enroll: &enroll.Client{Store: ws, Authority: ca, Config: enroll.DefaultConfig()},
		Broker: &ledger.Broker{
			Sessions: &ledger.Manager{Store: ws, Dialer: d, Observer: m},
			Channel:  "mychannel",
			Contract: "mycc",
			Timeouts: ledger.DefaultTimeouts(),
		},
		Cache:               store.NewMemoryCache(),
		RateLimiter:         ratelimit.NewInMemory(time.Minute),
		RateLimitPerMinute:  1000,
		IdempotencyTTL:      time.Hour,
		Audit:               fa,
		Events:              hub,
		Sink:                events.Fanout{hub},
		Metrics:             m,
		MaxRequestBodyBytes: 1 << 20,
		AuthMode:            auth.ModeOff,
	}
	return &testEnv{s: s, wallet: ws, dialer: d, ca: ca, audit: fa}
}
