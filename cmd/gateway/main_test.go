package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evapi/pkg/ledger"
	"evapi/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testProfile = `
name: test-network-org1
peers:
  peer0.org1.example.com:
    url: grpcs://peer0.org1.example.com:7051
certificateAuthorities:
  ca.org1.example.com:
    url: http://ca.org1.example.com:7054
    caName: ca-org1
`

func okTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noDB(context.Context) (gatewayDBCloser, error) {
	return nil, store.ErrNotConfigured
}

func noRedis(context.Context) (*redis.Client, error) {
	return nil, store.ErrNotConfigured
}

func fakeDialerFn(ledger.Profile) (ledger.Dialer, error) {
	return &fakeDialer{contract: &fakeContract{}}, nil
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connection-org1.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func setBaseEnv(t *testing.T) {
	t.Setenv("CONNECTION_PROFILE", writeProfile(t, testProfile))
	t.Setenv("WALLET_BACKEND", "memory")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("CA_URL", "")
	t.Setenv("CA_NAME", "")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("OIDC_HS256_SECRET", "")
	t.Setenv("OIDC_JWKS_URL", "")
}

func TestRunGatewayStartsAndServes(t *testing.T) {
	setBaseEnv(t)
	var handler http.Handler
	err := runGateway(okTelemetry, noDB, noRedis, fakeDialerFn, func(server *http.Server) error {
		handler = server.Handler
		if server.ReadHeaderTimeout == 0 || server.WriteTimeout == 0 {
			t.Fatal("expected server timeouts to be set")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/query/nobody/CDR-1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected identity not found from memory wallet, got %d", rr.Code)
	}
}

func TestRunGatewayGuardsOperatorRoutes(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUTH_MODE", "oidc_hs256")
	t.Setenv("OIDC_HS256_SECRET", "ops-signing-key")
	var handler http.Handler
	err := runGateway(okTelemetry, noDB, noRedis, fakeDialerFn, func(server *http.Server) error {
		handler = server.Handler
		return nil
	})
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	for path, want := range map[string]int{
		"/healthz":                http.StatusOK,
		"/metrics":                http.StatusOK,
		"/api/query/nobody/CDR-1": http.StatusNotFound,
		"/metrics/snapshot":       http.StatusUnauthorized,
		"/api/events":             http.StatusUnauthorized,
		"/api/audit/00000000-0000-4000-8000-000000000001": http.StatusUnauthorized,
	} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}
}

func TestRunGatewayWithRedisWalletAndKafka(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WALLET_BACKEND", "redis")
	t.Setenv("KAFKA_BROKERS", "127.0.0.1:9092")
	mr := miniredis.RunT(t)
	openRedis := func(context.Context) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}
	listened := false
	err := runGateway(okTelemetry, noDB, openRedis, fakeDialerFn, func(*http.Server) error {
		listened = true
		return nil
	})
	if err != nil || !listened {
		t.Fatalf("expected start with redis wallet, err=%v listened=%v", err, listened)
	}
}

func TestRunGatewayStartupFailures(t *testing.T) {
	listen := func(*http.Server) error {
		t.Fatal("listen must not be reached")
		return nil
	}
	cases := []struct {
		name      string
		env       map[string]string
		telemetry gatewayInitTelemetryFunc
		openDB    gatewayOpenDBFunc
		openRedis gatewayOpenRedisFunc
		dialer    gatewayOpenDialerFunc
		want      string
	}{
		{
			name: "telemetry",
			telemetry: func(context.Context, string) (func(context.Context) error, error) {
				return nil, errors.New("otel down")
			},
			want: "otel:",
		},
		{name: "no_profile", env: map[string]string{"CONNECTION_PROFILE": ""}, want: "CONNECTION_PROFILE"},
		{name: "missing_profile", env: map[string]string{"CONNECTION_PROFILE": "/does/not/exist.yaml"}, want: "profile:"},
		{
			name: "db_down",
			openDB: func(context.Context) (gatewayDBCloser, error) {
				return nil, errors.New("connection refused")
			},
			want: "db:",
		},
		{name: "ca_missing", env: map[string]string{"CA_NAME": "ca.org2.example.com"}, want: "ca:"},
		{name: "unknown_wallet", env: map[string]string{"WALLET_BACKEND": "etcd"}, want: "wallet:"},
		{name: "postgres_wallet_without_db", env: map[string]string{"WALLET_BACKEND": "postgres"}, want: "DATABASE_URL"},
		{name: "redis_wallet_without_redis", env: map[string]string{"WALLET_BACKEND": "redis"}, want: "REDIS_ADDR"},
		{name: "couch_wallet_without_url", env: map[string]string{"WALLET_BACKEND": "couchdb", "WALLET_URL": ""}, want: "WALLET_URL"},
		{name: "production_hardening", env: map[string]string{"ENVIRONMENT": "production", "AUTH_MODE": "oidc_hs256", "OIDC_HS256_SECRET": "k"}, want: "hardening"},
		{name: "auth_off_not_allowed", env: map[string]string{"ALLOW_INSECURE_AUTH_OFF": ""}, want: "ALLOW_INSECURE_AUTH_OFF"},
		{name: "auth_off_in_production", env: map[string]string{"ENVIRONMENT": "production"}, want: "forbidden in production"},
		{name: "auth_off_unnamed_env", env: map[string]string{"ENVIRONMENT": "qa"}, want: "requires ENVIRONMENT"},
		{name: "hs256_without_secret", env: map[string]string{"AUTH_MODE": "oidc_hs256"}, want: "OIDC_HS256_SECRET"},
		{name: "rs256_without_jwks", env: map[string]string{"AUTH_MODE": "oidc_rs256", "OIDC_JWKS_URL": "jwks.json"}, want: "OIDC_JWKS_URL"},
		{name: "unknown_auth_mode", env: map[string]string{"AUTH_MODE": "saml"}, want: "unknown AUTH_MODE"},
		{
			name: "dialer",
			dialer: func(ledger.Profile) (ledger.Dialer, error) {
				return nil, errors.New("bad profile for sdk")
			},
			want: "ledger:",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			telemetry, openDB, openRedis, dialer := tc.telemetry, tc.openDB, tc.openRedis, tc.dialer
			if telemetry == nil {
				telemetry = okTelemetry
			}
			if openDB == nil {
				openDB = noDB
			}
			if openRedis == nil {
				openRedis = noRedis
			}
			if dialer == nil {
				dialer = fakeDialerFn
			}
			err := runGateway(telemetry, openDB, openRedis, dialer, listen)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRunGatewayRequiresListen(t *testing.T) {
	setBaseEnv(t)
	if err := runGateway(okTelemetry, noDB, noRedis, fakeDialerFn, nil); err == nil {
		t.Fatal("expected error without listen function")
	}
}

func TestMainUsesInjectedFunctions(t *testing.T) {
	setBaseEnv(t)
	origFatal, origTel, origDB, origRedis, origDialer, origListen := logFatalf, initTelemetryG, openDBFnG, openRedisFnG, openDialerFnG, listenFnG
	defer func() {
		logFatalf, initTelemetryG, openDBFnG, openRedisFnG, openDialerFnG, listenFnG = origFatal, origTel, origDB, origRedis, origDialer, origListen
	}()
	var fatal string
	logFatalf = func(format string, args ...any) { fatal = format }
	initTelemetryG = okTelemetry
	openDBFnG = noDB
	openRedisFnG = noRedis
	openDialerFnG = fakeDialerFn
	listenFnG = func(*http.Server) error { return errors.New("address in use") }
	main()
	if fatal == "" {
		t.Fatal("expected main to report the listen failure")
	}
}

func TestCAHTTPClient(t *testing.T) {
	client, err := caHTTPClient(nil)
	if err != nil || client.Transport == nil {
		t.Fatalf("expected instrumented default client, err=%v", err)
	}
	if _, err := caHTTPClient([]string{"not a pem"}); err == nil {
		t.Fatal("expected invalid pem error")
	}
}

func TestClientIPAndCIDRs(t *testing.T) {
	s := &Server{TrustedProxyCIDRs: parseCIDRs("10.0.0.0/8, 192.168.1.5, bogus")}
	if len(s.TrustedProxyCIDRs) != 2 {
		t.Fatalf("expected 2 cidrs, got %d", len(s.TrustedProxyCIDRs))
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.1.2.3")
	if got := s.clientIP(r); got != "203.0.113.7" {
		t.Fatalf("expected forwarded client ip, got %s", got)
	}
	r.RemoteAddr = "198.51.100.1:4000"
	if got := s.clientIP(r); got != "198.51.100.1" {
		t.Fatalf("untrusted peer must not set client ip, got %s", got)
	}
	r.RemoteAddr = ""
	if got := s.clientIP(r); got != "unknown" {
		t.Fatalf("expected unknown, got %s", got)
	}
}
