package remote

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/keyring"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// authMethods builds the client auth list for hop: public key first when a
// key file is configured, then password and keyboard-interactive answered
// with the same password.
func (d *Dialer) authMethods(hop profile.ServerProfile) ([]ssh.AuthMethod, error) {
	secret := keyring.Secret{
		Password:   hop.Password,
		KeyPath:    hop.KeyPath,
		Passphrase: hop.Passphrase,
	}
	if d.opts.Resolver != nil {
		resolved, err := d.opts.Resolver.Resolve(hop.Credential)
		if err != nil {
			return nil, failure.New(failure.KindConfig, "resolve credential for "+hop.String(), err)
		}
		secret = resolved
	}
	return AuthMethods(secret)
}

// AuthMethods returns the SSH auth methods for a resolved secret.
func AuthMethods(secret keyring.Secret) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if secret.KeyPath != "" {
		signer, err := loadKey(secret.KeyPath, secret.Passphrase)
		if err != nil {
			return nil, failure.New(failure.KindConfig, "load key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if secret.Password != "" {
		password := secret.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, failure.Configf("auth", "no password or key available")
	}
	return methods, nil
}

func loadKey(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("key %s is encrypted and no passphrase was given", path)
		}
		return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
	}
	return signer, nil
}
