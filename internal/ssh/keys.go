package ssh

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/TheGojiOG/LocalSM/internal/crypto"
)

// ReadPrivateKeyBytes reads a private key file. A file holding a single
// sealed value (see encrypt-secret) is opened with ENCRYPTION_KEY.
func ReadPrivateKeyBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if !crypto.IsSealed(text) {
		return data, nil
	}
	plain, err := crypto.OpenSecret(text)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed key: %w", err)
	}
	return []byte(plain), nil
}

// AuthMethods builds auth for an SSH connection. With a key file the
// password, if any, is used as the key passphrase.
func AuthMethods(keyPath, password string) ([]ssh.AuthMethod, error) {
	if keyPath == "" {
		if password == "" {
			return nil, errors.New("no authentication method provided")
		}
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}

	keyData, err := ReadPrivateKeyBytes(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if password == "" {
			return nil, fmt.Errorf("SSH key %s is passphrase protected", keyPath)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(password))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}
