// Package hardening refuses to start the gateway with settings that are only
// acceptable on a developer machine.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string

	WalletBackend string
	WalletURL     string
	CAURL         string
	AdminSecret   string

	DatabaseURL        string
	DatabaseRequireTLS string

	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string

	AuthMode   string
	AuthSecret string

	AuditHashSalt string
	AuditRawArgs  string

	CORSAllowedOrigins string
	RequiredSecrets    []EnvRequirement
}

// DefaultAdminSecret is the bootstrap secret shipped with the sample CA.
const DefaultAdminSecret = "adminpw"

// MinAuditSaltLength keeps identity hashes from being reversed by enumerating
// the small stakeholder id space.
const MinAuditSaltLength = 16

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "gateway"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf(service+": strict production hardening "+format, args...)
	}

	switch strings.ToLower(strings.TrimSpace(o.WalletBackend)) {
	case "memory":
		return fail("forbids WALLET_BACKEND=memory")
	case "", "couchdb":
		if err := requireHTTPS(o.WalletURL); err != nil {
			return fail("requires an https WALLET_URL: %v", err)
		}
	}
	if err := requireHTTPS(o.CAURL); err != nil {
		return fail("requires an https CA url: %v", err)
	}
	if strings.TrimSpace(o.AdminSecret) == "" || o.AdminSecret == DefaultAdminSecret {
		return fail("requires a non-default CA_ADMIN_SECRET")
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !isTrue(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fail("requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	switch strings.ToLower(strings.TrimSpace(o.AuthMode)) {
	case "", "off":
		return fail("forbids AUTH_MODE=off")
	case "oidc_hs256":
		if strings.TrimSpace(o.AuthSecret) == "" {
			return fail("requires OIDC_HS256_SECRET for AUTH_MODE=oidc_hs256")
		}
	}
	if len(strings.TrimSpace(o.AuditHashSalt)) < MinAuditSaltLength {
		return fail("requires AUDIT_HASH_SALT of at least %d characters", MinAuditSaltLength)
	}
	if isTrue(o.AuditRawArgs, false) {
		return fail("forbids AUDIT_RAW_ARGS=true")
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return fail("%v", err)
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			return fail("requires %s", req.Name)
		}
	}
	return nil
}

func requireHTTPS(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return fmt.Errorf("got %q", redactURL(u))
	}
	return nil
}

func redactURL(u *url.URL) string {
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}

func validateCORSOrigins(raw string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		valid++
		if o == "*" {
			return fmt.Errorf("forbids CORS wildcard origin")
		}
		if strings.Contains(o, "://localhost") || strings.Contains(o, "://127.0.0.1") {
			return fmt.Errorf("forbids localhost CORS origin %q", origin)
		}
		if !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("requires HTTPS CORS origin, got %q", strings.TrimSpace(origin))
		}
	}
	if valid == 0 {
		return fmt.Errorf("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
