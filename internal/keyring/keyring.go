// Package keyring provides secure credential storage using the system keyring.
package keyring

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	zkeyring "github.com/zalando/go-keyring"

	"github.com/perfectssh/perfectssh/internal/profile"
)

// ServiceName is the identifier used for storing credentials in the system keyring.
const ServiceName = "perfectssh"

const maxRefLength = 128

var (
	// ErrCredentialNotFound is returned when a credential does not exist in the keyring.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrInvalidRef is returned when a keyring reference is empty or malformed.
	ErrInvalidRef = errors.New("invalid keyring reference")
)

// Store defines the interface for credential storage operations.
type Store interface {
	// Save stores a secret under the given reference.
	Save(ref, secret string) error
	// Get retrieves the secret stored under the given reference.
	Get(ref string) (string, error)
	// Delete removes the secret stored under the given reference.
	Delete(ref string) error
}

// SystemKeyring implements Store using the system keyring.
type SystemKeyring struct{}

// NewSystemKeyring creates a new SystemKeyring instance.
func NewSystemKeyring() *SystemKeyring {
	return &SystemKeyring{}
}

// Save stores a secret for the given reference in the system keyring.
func (s *SystemKeyring) Save(ref, secret string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	if err := zkeyring.Set(ServiceName, ref, secret); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get retrieves the secret for the given reference from the system keyring.
// Returns ErrCredentialNotFound if nothing is stored under ref.
func (s *SystemKeyring) Get(ref string) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	secret, err := zkeyring.Get(ServiceName, ref)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to retrieve credential: %w", err)
	}
	return secret, nil
}

// Delete removes the secret for the given reference from the system keyring.
// Deleting a reference that does not exist is not an error.
func (s *SystemKeyring) Delete(ref string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	if err := zkeyring.Delete(ServiceName, ref); err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ValidateRef checks that ref is usable as a keyring account name.
func ValidateRef(ref string) error {
	if ref == "" || len(ref) > maxRefLength {
		return ErrInvalidRef
	}
	if strings.TrimSpace(ref) != ref {
		return ErrInvalidRef
	}
	for _, r := range ref {
		if unicode.IsControl(r) {
			return ErrInvalidRef
		}
	}
	return nil
}

// Secret is the resolved authentication material for one hop.
type Secret struct {
	Password   string
	KeyPath    string
	Passphrase string
}

// Resolver turns a profile.Credential into a Secret, looking up keyring
// references in Store.
type Resolver struct {
	Store Store
}

// NewResolver returns a resolver backed by the system keyring.
func NewResolver() *Resolver {
	return &Resolver{Store: NewSystemKeyring()}
}

// Resolve returns the secret for cred. A keyring reference on a credential
// with a key path holds the key passphrase; otherwise it holds the password.
// Inline values take precedence over the keyring.
func (r *Resolver) Resolve(cred profile.Credential) (Secret, error) {
	secret := Secret{
		Password:   cred.Password,
		KeyPath:    cred.KeyPath,
		Passphrase: cred.Passphrase,
	}
	if cred.KeyringRef == "" {
		return secret, nil
	}

	needsPassword := cred.KeyPath == "" && secret.Password == ""
	needsPassphrase := cred.KeyPath != "" && secret.Passphrase == ""
	if !needsPassword && !needsPassphrase {
		return secret, nil
	}
	if r == nil || r.Store == nil {
		return Secret{}, fmt.Errorf("keyring reference %q: no keyring configured", cred.KeyringRef)
	}

	stored, err := r.Store.Get(cred.KeyringRef)
	if err != nil {
		return Secret{}, fmt.Errorf("keyring reference %q: %w", cred.KeyringRef, err)
	}
	if needsPassphrase {
		secret.Passphrase = stored
	} else {
		secret.Password = stored
	}
	return secret, nil
}
