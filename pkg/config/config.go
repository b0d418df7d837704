// Package config loads service settings from the environment and the
// permission table from YAML.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr                string
	Environment         string
	StrictProdSecurity  string
	AuthMode            string
	JWTSecret           string
	JWKSURL             string
	Issuer              string
	Audience            string
	AuthTimeout         time.Duration
	PermissionsFile     string
	LogLevel            string
	CORSAllowedOrigins  string
	WSAllowedOrigins    string
	MaxRequestBodyBytes int64
	UserCacheTTL        time.Duration
	UserCacheMaxCost    int64
	RedisAddr           string
	RedisRequireTLS     string
	RedisTLSInsecure    string
	RedisAllowInsecure  string
	DatabaseRequireTLS  string
	AllowAuthOff        bool
	KafkaBrokers        []string
	KafkaUsageTopic     string
	KafkaGroupID        string
	UpstreamRetryDelay  time.Duration
	AdminRoles          []string
	AuditHashSalt       string
	AuditRedact         bool
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
}

// FromEnv reads every setting, applying defaults for unset variables.
func FromEnv() Config {
	return Config{
		Addr:                Env("ADDR", ":8090"),
		Environment:         Env("ENVIRONMENT", Env("APP_ENV", "development")),
		StrictProdSecurity:  Env("STRICT_PROD_SECURITY", "true"),
		AuthMode:            strings.ToLower(Env("AUTH_MODE", "hs256")),
		JWTSecret:           Env("JWT_HS256_SECRET", ""),
		JWKSURL:             Env("OIDC_JWKS_URL", ""),
		Issuer:              Env("OIDC_ISSUER", ""),
		Audience:            Env("OIDC_AUDIENCE", ""),
		AuthTimeout:         time.Millisecond * time.Duration(EnvInt("AUTH_TIMEOUT_MS", 5000)),
		PermissionsFile:     Env("PERMISSIONS_FILE", ""),
		LogLevel:            Env("LOG_LEVEL", "info"),
		CORSAllowedOrigins:  Env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    Env("WS_ALLOWED_ORIGINS", ""),
		MaxRequestBodyBytes: int64(EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		UserCacheTTL:        EnvDurationSec("USER_CACHE_TTL_SEC", 30),
		UserCacheMaxCost:    int64(EnvInt("USER_CACHE_MAX_ENTRIES", 10000)),
		RedisAddr:           Env("REDIS_ADDR", ""),
		RedisRequireTLS:     Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:    Env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecure:  Env("REDIS_ALLOW_INSECURE_TLS", ""),
		DatabaseRequireTLS:  Env("DATABASE_REQUIRE_TLS", ""),
		AllowAuthOff:        Env("ALLOW_INSECURE_AUTH_OFF", "false") == "true",
		KafkaBrokers:        SplitList(Env("KAFKA_BROKERS", "")),
		KafkaUsageTopic:     Env("KAFKA_USAGE_TOPIC", "toolgate.usage"),
		KafkaGroupID:        Env("KAFKA_GROUP_ID", "toolgatectl"),
		UpstreamRetryDelay:  time.Millisecond * time.Duration(EnvInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		AdminRoles:          SplitList(Env("ADMIN_ROLES", "admin")),
		AuditHashSalt:       Env("AUDIT_HASH_SALT", ""),
		AuditRedact:         Env("AUDIT_REDACT", "true") == "true",
		ReadHeaderTimeout:   EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:         EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
}

func Env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func EnvDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(EnvInt(k, def))
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func IsProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func IsExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}
