package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"evapi/pkg/audit"
	"evapi/pkg/auth"
	"evapi/pkg/enroll"
	"evapi/pkg/events"
	"evapi/pkg/hardening"
	"evapi/pkg/httpx"
	"evapi/pkg/ledger"
	"evapi/pkg/metrics"
	"evapi/pkg/ratelimit"
	"evapi/pkg/store"
	"evapi/pkg/telemetry"
	"evapi/pkg/wallet"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Wallet              wallet.Store
	Enroll              *enroll.Client
	Broker              *ledger.Broker
	Cache               store.Cache
	RateLimiter         ratelimit.Limiter
	RateLimitPerMinute  int
	IdempotencyTTL      time.Duration
	Audit               auditStore
	AuditSalt           []byte
	Events              *events.Hub
	Sink                events.Sink
	Recorder            *recorder
	AuthMode            string
	AuthSecret          string
	AuthOptions         []auth.MiddlewareOption
	OperatorRoles       []string
	Metrics             *metrics.Registry
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	WSAllowedOrigins    []string
}

type auditStore interface {
	NewRecord(operation, mode, identity string, args []string) audit.Record
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, id string) (audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenDialerFunc func(p ledger.Profile) (ledger.Dialer, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx, store.PostgresOptionsFromEnv())
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
	openRedisFnG = func(ctx context.Context) (*redis.Client, error) {
		return store.NewRedis(ctx, store.RedisOptionsFromEnv())
	}
	openDialerFnG = func(p ledger.Profile) (ledger.Dialer, error) {
		return ledger.NewFabricDialer(p, envDurationSec("LEDGER_CONNECT_TIMEOUT_SEC", 15), env("DISCOVERY_AS_LOCALHOST", "false") == "true")
	}
	listenFnG = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openDialerFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openDialer gatewayOpenDialerFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	profilePath := env("CONNECTION_PROFILE", "")
	if profilePath == "" {
		return errors.New("CONNECTION_PROFILE is required")
	}
	profile, err := ledger.LoadProfile(profilePath)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	db, err := openDB(ctx)
	switch {
	case errors.Is(err, store.ErrNotConfigured):
		db = nil
	case err != nil:
		return fmt.Errorf("db: %w", err)
	default:
		defer db.Close()
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotConfigured) {
			log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		}
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	caURL := env("CA_URL", "")
	caEntry := env("CA_NAME", "ca.org1.example.com")
	ca, caErr := profile.CA(caEntry)
	if caURL == "" {
		if caErr != nil {
			return fmt.Errorf("ca: %w", caErr)
		}
		caURL = ca.URL
	}
	enrollCfg := enroll.DefaultConfig()
	enrollCfg.AdminID = env("CA_ADMIN_LABEL", enrollCfg.AdminID)
	enrollCfg.AdminEnrollmentID = env("CA_ADMIN_ID", enrollCfg.AdminEnrollmentID)
	enrollCfg.AdminSecret = env("CA_ADMIN_SECRET", enrollCfg.AdminSecret)
	enrollCfg.MSPID = env("MSP_ID", enrollCfg.MSPID)
	enrollCfg.Affiliation = env("CA_AFFILIATION", enrollCfg.Affiliation)
	enrollCfg.Role = env("CA_ROLE", enrollCfg.Role)

	authMode := strings.ToLower(env("AUTH_MODE", auth.ModeHS256))
	authSecret := env("OIDC_HS256_SECRET", "")
	jwksURL := env("OIDC_JWKS_URL", "")
	switch authMode {
	case auth.ModeOff:
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	case auth.ModeHS256:
		if authSecret == "" {
			return errors.New("AUTH_MODE=oidc_hs256 requires OIDC_HS256_SECRET")
		}
	case auth.ModeRS256:
		if !auth.IsValidURL(jwksURL) {
			return errors.New("AUTH_MODE=oidc_rs256 requires a valid OIDC_JWKS_URL")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", authMode)
	}

	walletBackend := strings.ToLower(env("WALLET_BACKEND", "couchdb"))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		WalletBackend:         walletBackend,
		WalletURL:             env("WALLET_URL", ""),
		CAURL:                 caURL,
		AdminSecret:           enrollCfg.AdminSecret,
		DatabaseURL:           env("DATABASE_URL", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AuthMode:              authMode,
		AuthSecret:            authSecret,
		AuditHashSalt:         env("AUDIT_HASH_SALT", ""),
		AuditRawArgs:          env("AUDIT_RAW_ARGS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000))})
	walletStore, err := openWallet(ctx, walletBackend, httpClient, db, redisClient)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	caClient, err := caHTTPClient(ca.TLSCACerts)
	if err != nil {
		return fmt.Errorf("ca: %w", err)
	}
	dialer, err := openDialer(profile)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	m := metrics.NewRegistry()
	s := &Server{
		Wallet: walletStore,
		Enroll: &enroll.Client{
			Store: walletStore,
			Authority: enroll.FabricCA{
				Client:     caClient,
				URL:        caURL,
				CAName:     env("CA_CANAME", ca.CAName),
				Timeout:    envDurationSec("CA_TIMEOUT_SEC", 10),
				Retries:    envInt("CA_ENROLL_RETRIES", 1),
				RetryDelay: time.Millisecond * time.Duration(envInt("CA_RETRY_DELAY_MS", 200)),
			},
			Config: enrollCfg,
		},
		Broker: &ledger.Broker{
			Sessions: &ledger.Manager{Store: walletStore, Dialer: dialer, Observer: m},
			Channel:  env("CHANNEL_NAME", "mychannel"),
			Contract: env("CONTRACT_NAME", "mycc"),
			Timeouts: ledger.Timeouts{
				Open:  envDurationSec("LEDGER_OPEN_TIMEOUT_SEC", 15),
				Run:   envDurationSec("LEDGER_RUN_TIMEOUT_SEC", 30),
				Close: envDurationSec("LEDGER_CLOSE_TIMEOUT_SEC", 5),
			},
		},
		Cache:              store.NewCache(ctx, redisClient),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		IdempotencyTTL:     envDurationSec("IDEMPOTENCY_TTL_SEC", 86400),
		AuditSalt:          []byte(env("AUDIT_HASH_SALT", "")),
		Events:             events.NewHub(),
		AuthMode:           authMode,
		AuthSecret:         authSecret,
		AuthOptions: []auth.MiddlewareOption{
			auth.WithJWKS(jwksURL),
			auth.WithIssuer(env("OIDC_ISSUER", "")),
			auth.WithAudience(env("OIDC_AUDIENCE", "")),
			auth.WithTimeout(time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
		},
		OperatorRoles:       splitList(env("AUTH_OPERATOR_ROLES", "operator,auditor")),
		Metrics:             m,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		WSAllowedOrigins:    splitList(env("WS_ALLOWED_ORIGINS", "")),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	if db != nil {
		w := &audit.Writer{DB: db, HashSalt: s.AuditSalt, RawArgs: env("AUDIT_RAW_ARGS", "false") == "true"}
		if err := w.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		s.Audit = w
	}
	sinks := events.Fanout{s.Events}
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_TOPIC", "evapi.ledger"),
			Timeout: envDurationSec("KAFKA_WRITE_TIMEOUT_SEC", 5),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	s.Sink = sinks
	s.Recorder = newRecorder(envInt("OUTCOME_QUEUE_SIZE", 1024), envInt("OUTCOME_WORKERS", 4), s.writeOutcome)
	defer s.Recorder.Close()
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s (wallet=%s channel=%s contract=%s)", addr, walletBackend, s.Broker.Channel, s.Broker.Contract)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(env("CORS_ALLOWED_ORIGINS", "")),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.PrometheusHandler())
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthOptions...))
		r.Use(auth.RequireRole(s.AuthMode, s.OperatorRoles...))
		r.Get("/metrics/snapshot", s.Metrics.Handler())
		r.Get("/api/events", s.streamEvents)
		r.Get("/api/audit/{auditId}", s.getAudit)
	})
	r.Post("/api/enrollAdminOrg1", s.enrollAdmin)
	for _, ep := range endpoints {
		r.Method(ep.Method, ep.Path, s.invoke(ep))
	}
	return r
}

func openWallet(ctx context.Context, backend string, client *http.Client, db gatewayDB, rdb *redis.Client) (wallet.Store, error) {
	switch backend {
	case "couchdb", "":
		raw := env("WALLET_URL", "")
		if raw == "" {
			return nil, errors.New("WALLET_URL is required for the couchdb wallet")
		}
		base, user, pass, err := wallet.ParseCouchURL(raw)
		if err != nil {
			return nil, err
		}
		return wallet.CouchStore{
			Client:     client,
			URL:        base,
			Database:   env("WALLET_DB", "userdb"),
			Username:   env("WALLET_USER", user),
			Password:   env("WALLET_PASSWORD", pass),
			Timeout:    time.Millisecond * time.Duration(envInt("WALLET_TIMEOUT_MS", 3000)),
			Retries:    envInt("WALLET_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("WALLET_RETRY_DELAY_MS", 100)),
		}, nil
	case "postgres":
		if db == nil {
			return nil, errors.New("WALLET_BACKEND=postgres requires DATABASE_URL")
		}
		pg := wallet.PostgresStore{DB: db}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("WALLET_BACKEND=redis requires a reachable REDIS_ADDR")
		}
		return wallet.RedisStore{Client: rdb, Prefix: env("WALLET_REDIS_PREFIX", "wallet:")}, nil
	case "memory":
		log.Printf("gateway: using in-memory wallet, identities are lost on restart")
		return wallet.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown WALLET_BACKEND %q", backend)
	}
}

// caHTTPClient trusts the CA's TLS roots from the connection profile when present.
func caHTTPClient(pems []string) (*http.Client, error) {
	client := &http.Client{}
	if len(pems) > 0 {
		pool := x509.NewCertPool()
		for _, p := range pems {
			if !pool.AppendCertsFromPEM([]byte(p)) {
				return nil, errors.New("invalid tlsCACerts pem in connection profile")
			}
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
		client.Transport = transport
	}
	return telemetry.InstrumentClient(client), nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps websocket upgrades working through the metrics wrapper.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		srv.Metrics.Observe(r.Method+" "+route, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if candidate := parseIP(first); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, item := range splitList(raw) {
		if !strings.Contains(item, "/") {
			if ip := net.ParseIP(item); ip != nil {
				if ip.To4() != nil {
					item += "/32"
				} else {
					item += "/128"
				}
			}
		}
		if _, cidr, err := net.ParseCIDR(item); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
