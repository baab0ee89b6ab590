package tlscert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestIssueSelfSignedCoversHostAndLoopback(t *testing.T) {
	cert, err := IssueSelfSigned("manager.lan", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tls.X509KeyPair(cert.CertPEM, cert.KeyPEM); err != nil {
		t.Fatalf("key pair does not match: %v", err)
	}

	block, _ := pem.Decode(cert.CertPEM)
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"manager.lan", "localhost", "127.0.0.1"} {
		if err := parsed.VerifyHostname(name); err != nil {
			t.Errorf("certificate should cover %s: %v", name, err)
		}
	}
}

func TestEnsureSelfSignedKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "cert.pem")
	keyFile := filepath.Join(dir, "tls", "key.pem")

	generated, err := EnsureSelfSigned(certFile, keyFile, "0.0.0.0")
	if err != nil || !generated {
		t.Fatalf("expected generation, got %v %v", generated, err)
	}
	first, _ := os.ReadFile(certFile)

	generated, err = EnsureSelfSigned(certFile, keyFile, "0.0.0.0")
	if err != nil || generated {
		t.Fatalf("expected existing files to be kept, got %v %v", generated, err)
	}
	second, _ := os.ReadFile(certFile)
	if string(first) != string(second) {
		t.Fatalf("certificate was rewritten")
	}

	os.Remove(keyFile)
	if _, err := EnsureSelfSigned(certFile, keyFile, ""); err == nil {
		t.Fatalf("expected error when only the certificate exists")
	}
}
