package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions is the connection surface for the edge cache and the shared
// rate-limit counters. The caller resolves every field from its own config
// layer; this package never reads the environment.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// RequireTLS rejects the connection outright when TLS is off, so a
	// misconfigured production deploy fails at startup instead of running
	// in cleartext.
	RequireTLS bool

	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCACertFile    string
	TLSCertFile      string
	TLSKeyFile       string
}

func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	tlsConfig, err := redisTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis: TLS required but not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func redisTLSConfig(opts RedisOptions) (*tls.Config, error) {
	if !opts.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLSInsecure {
		if !opts.AllowInsecureTLS {
			return nil, fmt.Errorf("redis: insecure TLS needs an explicit allow opt-in")
		}
		cfg.InsecureSkipVerify = true
	}
	if opts.TLSServerName != "" {
		cfg.ServerName = opts.TLSServerName
	}
	if opts.TLSCACertFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(opts.TLSCACertFile))
		if err != nil {
			return nil, fmt.Errorf("read redis CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis CA cert: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if opts.TLSCertFile != "" || opts.TLSKeyFile != "" {
		if opts.TLSCertFile == "" || opts.TLSKeyFile == "" {
			return nil, fmt.Errorf("redis: mTLS needs both a cert file and a key file")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(opts.TLSCertFile), filepath.Clean(opts.TLSKeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
