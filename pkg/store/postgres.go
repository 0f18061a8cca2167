package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotConfigured means the optional backing service has no address set.
var ErrNotConfigured = errors.New("not configured")

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 2 * time.Second
)

type PostgresOptions struct {
	URL        string
	RequireTLS bool
	MaxConns   int32
	Retries    int
	RetryDelay time.Duration
}

func PostgresOptionsFromEnv() PostgresOptions {
	opts := PostgresOptions{
		URL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RequireTLS: requiresSecureTransport("DATABASE_REQUIRE_TLS"),
		MaxConns:   10,
		Retries:    10,
		RetryDelay: 2 * time.Second,
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("DATABASE_MAX_CONNS"))); err == nil && v > 0 {
		opts.MaxConns = int32(v)
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("DATABASE_CONNECT_RETRIES"))); err == nil && v > 0 {
		opts.Retries = v
	}
	return opts
}

// NewPostgresPool connects and pings, retrying while the database starts up.
func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("postgres: %w", ErrNotConfigured)
	}
	if opts.RequireTLS {
		if err := validatePostgresTLS(opts.URL); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	attempts := opts.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("db connect: %w", ctx.Err())
			case <-time.After(opts.RetryDelay):
			}
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	return truthy(os.Getenv(envKey))
}

func truthy(raw string) bool {
	raw = strings.TrimSpace(strings.ToLower(raw))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
