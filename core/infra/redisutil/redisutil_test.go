package redisutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientOptionsPlain(t *testing.T) {
	opts, err := ClientOptions("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("client options: %v", err)
	}
	if opts.TLSConfig != nil {
		t.Fatal("expected nil TLS config without env material")
	}
	if opts.DB != 2 {
		t.Fatalf("expected db 2 from url, got %d", opts.DB)
	}
}

func TestClientOptionsBadURL(t *testing.T) {
	if _, err := ClientOptions("://not-a-url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestClientOptionsInsecureTLS(t *testing.T) {
	t.Setenv(envTLSInsecure, "yes")
	opts, err := ClientOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("client options: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatal("expected insecure TLS config")
	}
}

func TestClientOptionsCAAndKeypair(t *testing.T) {
	certPath, keyPath := writeTempCert(t, t.TempDir())
	t.Setenv(envTLSCA, certPath)
	t.Setenv(envTLSCert, certPath)
	t.Setenv(envTLSKey, keyPath)

	opts, err := ClientOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("client options: %v", err)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.RootCAs == nil {
		t.Fatal("expected root CA pool")
	}
	if len(opts.TLSConfig.Certificates) != 1 {
		t.Fatal("expected client certificate loaded")
	}
}

func TestClientOptionsCertWithoutKey(t *testing.T) {
	certPath, _ := writeTempCert(t, t.TempDir())
	t.Setenv(envTLSCert, certPath)

	if _, err := ClientOptions("redis://localhost:6379"); err == nil {
		t.Fatal("expected error when key is missing")
	}
}

func writeTempCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
