package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/perfectssh/perfectssh/internal/failure"
)

// Host key policies.
const (
	// PolicyStrict rejects hosts missing from known_hosts.
	PolicyStrict = "strict"
	// PolicyAcceptNew records unknown hosts on first use. Changed keys are
	// always rejected.
	PolicyAcceptNew = "accept-new"
)

// ErrHostKeyMismatch is wrapped by errors for hosts whose key changed.
var ErrHostKeyMismatch = errors.New("host key verification failed: REMOTE HOST IDENTIFICATION HAS CHANGED")

// ErrHostKeyUnknown is wrapped by errors for hosts missing from known_hosts
// under PolicyStrict.
var ErrHostKeyUnknown = errors.New("host key verification failed: host is not in known_hosts")

// HostKeyStore checks server keys against an OpenSSH known_hosts file.
type HostKeyStore struct {
	path   string
	policy string
	mu     sync.Mutex
}

// NewHostKeyStore creates the known_hosts file if needed.
func NewHostKeyStore(path, policy string) (*HostKeyStore, error) {
	if policy != PolicyStrict && policy != PolicyAcceptNew {
		return nil, fmt.Errorf("invalid host key policy %q", policy)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	f.Close()
	return &HostKeyStore{path: path, policy: policy}, nil
}

// Check is an ssh.HostKeyCallback. Mismatches and (under PolicyStrict)
// unknown hosts return failure.KindSecurity errors.
func (s *HostKeyStore) Check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	op := "verify host key for " + hostname
	if s == nil {
		return failure.New(failure.KindSecurity, op, ErrHostKeyUnknown)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	callback, err := knownhosts.New(s.path)
	if err != nil {
		return fmt.Errorf("failed to read known_hosts: %w", err)
	}

	err = callback(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return failure.New(failure.KindSecurity, op, err)
	}
	if len(keyErr.Want) > 0 {
		slog.Error("Host key mismatch", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return failure.New(failure.KindSecurity, op, fmt.Errorf("%w (offered %s)", ErrHostKeyMismatch, ssh.FingerprintSHA256(key)))
	}
	if s.policy != PolicyAcceptNew {
		return failure.New(failure.KindSecurity, op, ErrHostKeyUnknown)
	}

	if err := s.appendLocked(hostname, key); err != nil {
		return err
	}
	slog.Info("Added host to known_hosts", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
	return nil
}

func (s *HostKeyStore) appendLocked(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to write known_hosts: %w", err)
	}
	return nil
}

// Path returns the known_hosts file path.
func (s *HostKeyStore) Path() string {
	return s.path
}
