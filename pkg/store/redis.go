package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	RequireTLS bool

	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string
}

func RedisOptionsFromEnv() RedisOptions {
	opts := RedisOptions{
		Addr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:         os.Getenv("REDIS_PASSWORD"),
		RequireTLS:       requiresSecureTransport("REDIS_REQUIRE_TLS"),
		TLS:              truthy(os.Getenv("REDIS_TLS")),
		TLSInsecure:      truthy(os.Getenv("REDIS_TLS_INSECURE")),
		AllowInsecureTLS: truthy(os.Getenv("REDIS_ALLOW_INSECURE_TLS")),
		TLSServerName:    strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		TLSCAFile:        strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		TLSCertFile:      strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		TLSKeyFile:       strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
	}
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts.DB = parsed
		}
	}
	return opts
}

// NewRedis connects and pings. An empty address returns ErrNotConfigured.
func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis: %w", ErrNotConfigured)
	}
	tlsConfig, err := opts.tlsConfig()
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (o RedisOptions) tlsConfig() (*tls.Config, error) {
	if !o.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.TLSServerName}
	if o.TLSInsecure {
		if !o.AllowInsecureTLS {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if o.TLSCAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(o.TLSCAFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if o.TLSCertFile != "" || o.TLSKeyFile != "" {
		if o.TLSCertFile == "" || o.TLSKeyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(o.TLSCertFile), filepath.Clean(o.TLSKeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
