package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/TheGojiOG/LocalSM/internal/crypto"
)

func writeKey(t *testing.T, block *pem.Block, err error) string {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAuthMethodsPassphraseKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "backups", []byte("open sesame"))
	path := writeKey(t, block, err)

	if _, err := AuthMethods(path, ""); err == nil {
		t.Fatalf("expected protected key without passphrase to fail")
	}
	if _, err := AuthMethods(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	methods, err := AuthMethods(path, "open sesame")
	if err != nil || len(methods) != 1 {
		t.Fatalf("expected key auth, got %v %v", methods, err)
	}
}

func TestReadPrivateKeyBytesSealed(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(crypto.KeyEnv, key)

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	plain := pem.EncodeToMemory(block)
	manager, _ := crypto.FromEnv()
	sealed, err := manager.Seal(string(plain))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sealed_key")
	if err := os.WriteFile(path, []byte(sealed+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPrivateKeyBytes(path)
	if err != nil || string(got) != string(plain) {
		t.Fatalf("ReadPrivateKeyBytes = %q, %v", got, err)
	}
	if methods, err := AuthMethods(path, ""); err != nil || len(methods) != 1 {
		t.Fatalf("expected sealed key to authenticate, got %v", err)
	}
}
