package tlsutil

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/macawi-ai/cyreal-sub001/testutil"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites should not be empty")
	}
	for _, cs := range cfg.CipherSuites {
		switch cs {
		case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:
		default:
			t.Errorf("unexpected non-AEAD cipher suite: %d", cs)
		}
	}
}

func TestServerConfig(t *testing.T) {
	certFile, keyFile := testutil.WriteSelfSignedCert(t)

	cfg, err := ServerConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}

	if _, err := ServerConfig("", ""); err == nil {
		t.Error("expected error for missing files")
	}
	if _, err := ServerConfig(filepath.Join(t.TempDir(), "missing.pem"), keyFile); err == nil {
		t.Error("expected error for unreadable certificate")
	}
}

func TestClientConfig(t *testing.T) {
	certFile, _ := testutil.WriteSelfSignedCert(t)

	cfg, err := ClientConfig(certFile, false)
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs should be set")
	}

	cfg, err = ClientConfig("", true)
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}

	empty := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(empty, []byte("nothing"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(empty, false); err == nil {
		t.Error("expected error for a CA file without certificates")
	}
}

func TestSecureHTTPClient(t *testing.T) {
	timeout := 15 * time.Second
	client := SecureHTTPClient(timeout, nil)
	if client.Timeout != timeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, timeout)
	}
	if client.Transport == nil {
		t.Fatal("Transport should not be nil")
	}
	if SecureTransport(nil).TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Error("default transport should enforce TLS 1.2")
	}
}
