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

// RedisOptions is the connection setup for the usage counter store.
type RedisOptions struct {
	URL        string
	Addr       string
	Password   string
	DB         int
	TLS        *tls.Config
	RequireTLS bool
}

// RedisOptionsFromEnv reads REDIS_URL or REDIS_ADDR/REDIS_PASSWORD/REDIS_DB and
// the REDIS_TLS_* variables.
func RedisOptionsFromEnv() (RedisOptions, error) {
	opts := RedisOptions{
		URL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		Addr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:   os.Getenv("REDIS_PASSWORD"),
		RequireTLS: requiresSecureTransport("REDIS_REQUIRE_TLS"),
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return RedisOptions{}, fmt.Errorf("REDIS_DB: %w", err)
		}
		opts.DB = db
	}
	tlsConfig, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		return RedisOptions{}, err
	}
	opts.TLS = tlsConfig
	return opts, nil
}

func (o RedisOptions) clientOptions() (*redis.Options, error) {
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		if o.TLS != nil {
			parsed.TLSConfig = o.TLS
		}
		return parsed, nil
	}
	return &redis.Options{
		Addr:      o.Addr,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLS,
	}, nil
}

// NewRedis connects and pings within two seconds.
func NewRedis(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	opts, err := o.clientOptions()
	if err != nil {
		return nil, err
	}
	if o.RequireTLS && opts.TLSConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func loadRedisTLSConfigFromEnv() (*tls.Config, error) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS")), "true") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE")), "true") {
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("REDIS_ALLOW_INSECURE_TLS")), "true") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true // #nosec G402 -- double opt-in above
	}
	cfg.ServerName = strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	if caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	if certFile == "" && keyFile == "" {
		return cfg, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
