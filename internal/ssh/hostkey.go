package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TheGojiOG/LocalSM/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a remote presents a key that differs
// from the one pinned in known_hosts.
var ErrHostKeyMismatch = errors.New("ssh host key mismatch")

// KnownHosts verifies backup hosts against a known_hosts file. With
// trust-on-first-use enabled an unknown host is pinned on first contact.
type KnownHosts struct {
	path string
	tofu bool

	mu    sync.Mutex
	check ssh.HostKeyCallback
}

// OpenKnownHosts creates the file when missing and loads its entries.
func OpenKnownHosts(path string, trustOnFirstUse bool) (*KnownHosts, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("known_hosts path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()

	kh := &KnownHosts{path: path, tofu: trustOnFirstUse}
	if err := kh.reload(); err != nil {
		return nil, err
	}
	return kh, nil
}

// Callback returns the function to plug into ssh.ClientConfig.
func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	return k.verify
}

func (k *KnownHosts) reload() error {
	check, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("read known_hosts: %w", err)
	}
	k.check = check
	return nil
}

func (k *KnownHosts) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.check(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) {
		return err
	}

	fingerprint := ssh.FingerprintSHA256(key)
	if len(keyErr.Want) > 0 {
		logging.L().Warn("ssh_host_key_mismatch", "host", hostname, "fingerprint", fingerprint)
		return fmt.Errorf("%w for %s (got %s)", ErrHostKeyMismatch, hostname, fingerprint)
	}
	if !k.tofu {
		return fmt.Errorf("unknown ssh host %s (%s); add it to %s", hostname, fingerprint, k.path)
	}

	line := knownhosts.Line(hostPatterns(hostname, remote), key) + "\n"
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	_, werr := f.WriteString(line)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("pin host key: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("pin host key: %w", cerr)
	}

	logging.L().Info("ssh_host_key_pinned", "host", hostname, "fingerprint", fingerprint)
	return k.reload()
}

// hostPatterns lists the dialed name and the resolved address, both in
// known_hosts notation ([host]:port for non-default ports).
func hostPatterns(hostname string, remote net.Addr) []string {
	var patterns []string
	seen := map[string]bool{}
	add := func(addr string) {
		if addr == "" {
			return
		}
		p := knownhosts.Normalize(addr)
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}
	add(hostname)
	if remote != nil {
		add(remote.String())
	}
	return patterns
}
