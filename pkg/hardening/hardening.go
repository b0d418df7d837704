// Package hardening refuses insecure settings before the service starts.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	AuthMode               string
	AuthSecret             string
	JWKSURL                string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	AuditRedact            bool
	AuditHashSalt          string
	RequiredServiceSecrets []EnvRequirement
}

// MinHS256SecretBytes is the shortest HS256 secret accepted in production.
const MinHS256SecretBytes = 32

// ValidateAuthOff gates AUTH_MODE=off: it needs an explicit opt-in and a
// development environment.
func ValidateAuthOff(mode, environment string, allowInsecure, testBinary bool) error {
	if !strings.EqualFold(strings.TrimSpace(mode), "off") {
		return nil
	}
	if !allowInsecure {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if isProductionLikeEnv(environment) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if !isExplicitNonProductionEnv(environment) && !testBinary {
		return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
	return nil
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if err := validateAuth(o, service); err != nil {
		return err
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if !o.AuditRedact {
		return fmt.Errorf("%s: strict production hardening requires AUDIT_REDACT=true", service)
	}
	if strings.TrimSpace(o.AuditHashSalt) == "" {
		return fmt.Errorf("%s: strict production hardening requires AUDIT_HASH_SALT", service)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateAuth(o Options, service string) error {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(o.AuthMode), "oidc_")) {
	case "hs256":
		if len(o.AuthSecret) < MinHS256SecretBytes {
			return fmt.Errorf("%s: strict production hardening requires JWT_HS256_SECRET of at least %d bytes", service, MinHS256SecretBytes)
		}
	case "rs256":
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(o.JWKSURL)), "https://") {
			return fmt.Errorf("%s: strict production hardening requires an https OIDC_JWKS_URL", service)
		}
	default:
		return fmt.Errorf("%s: strict production hardening forbids AUTH_MODE=%q", service, o.AuthMode)
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
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

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}
