// Package redisutil derives go-redis client options from a URL plus
// deployment TLS material supplied through the environment.
package redisutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "REDIS_TLS_CA"
	envTLSCert       = "REDIS_TLS_CERT"
	envTLSKey        = "REDIS_TLS_KEY"
	envTLSInsecure   = "REDIS_TLS_INSECURE"
	envTLSServerName = "REDIS_TLS_SERVER_NAME"
)

// ClientOptions parses the Redis URL and layers TLS settings from the
// environment on top. A rediss:// URL already carries a TLS config; env
// material extends or overrides it.
func ClientOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsConfig, err := tlsFromEnv(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	return opts, nil
}

func tlsFromEnv(existing *tls.Config) (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envTLSServerName))
	insecure := boolEnv(envTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return existing, nil
	}

	cfg := &tls.Config{}
	if existing != nil {
		cfg = existing.Clone()
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
