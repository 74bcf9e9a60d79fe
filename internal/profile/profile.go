// Package profile describes the hosts a tunnel goes through and validates the
// tunnel configuration before any connection attempt.
package profile

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/perfectssh/perfectssh/internal/failure"
)

// Mode selects how many hops the tunnel chains.
type Mode string

const (
	// ModeDirect tunnels through a single host.
	ModeDirect Mode = "direct"
	// ModeBridge reaches the second hop through the first one.
	ModeBridge Mode = "bridge"

	// Legacy spellings still found in older configuration files.
	modeOneHop Mode = "1_hop"
	modeTwoHop Mode = "2_hop"

	// DefaultSSHPort is used when a hop omits its port.
	DefaultSSHPort = 22
	// DefaultLocalPort is the SOCKS port opened when none is configured.
	DefaultLocalPort = 1080
	// DefaultUser is the login used when a hop omits it.
	DefaultUser = "root"

	maxUserLength = 32
)

// Canonical maps legacy mode names onto ModeDirect/ModeBridge.
func (m Mode) Canonical() Mode {
	switch m {
	case modeOneHop:
		return ModeDirect
	case modeTwoHop:
		return ModeBridge
	default:
		return m
	}
}

// Credential holds the secret material for one hop. At most one of Password
// or KeyringRef is normally set; KeyPath may be combined with either.
type Credential struct {
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	KeyringRef string `json:"keyring_ref,omitempty"`
}

// IsZero reports whether no credential source is configured.
func (c Credential) IsZero() bool {
	return c.Password == "" && c.KeyPath == "" && c.KeyringRef == ""
}

// ServerProfile is one SSH-reachable host. It is treated as immutable once a
// connection attempt starts.
type ServerProfile struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Credential
}

// IsZero reports whether the profile names no host. Files written by older
// releases carry a hop2 block with only defaults filled in; that counts as empty.
func (p ServerProfile) IsZero() bool {
	return strings.TrimSpace(p.Host) == ""
}

// Address returns host:port suitable for net.Dial.
func (p ServerProfile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p ServerProfile) String() string {
	return fmt.Sprintf("%s@%s", p.User, p.Address())
}

// Validate checks the host, port, user and credential of a single hop.
func (p ServerProfile) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("host is required")
	}
	if err := validateHost(p.Host); err != nil {
		return err
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}
	if err := validateUser(p.User); err != nil {
		return err
	}
	if p.Credential.IsZero() {
		return errors.New("a password, key path or keyring reference is required")
	}
	return nil
}

// Config is the validated tunnel configuration handed to the connection manager.
type Config struct {
	Mode        Mode           `json:"mode" yaml:"mode"`
	Hop1        ServerProfile  `json:"hop1" yaml:"hop1"`
	Hop2        *ServerProfile `json:"hop2,omitempty" yaml:"hop2,omitempty"`
	LocalPort   int            `json:"local_port" yaml:"local_port"`
	Compression bool           `json:"compression" yaml:"compression"`
}

// ApplyDefaults fills in omitted fields with the values PerfectSSH has always used.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDirect
	}
	if c.LocalPort == 0 {
		c.LocalPort = DefaultLocalPort
	}
	applyHopDefaults(&c.Hop1)
	if c.Hop2 != nil && !c.Hop2.IsZero() {
		applyHopDefaults(c.Hop2)
	}
}

func applyHopDefaults(p *ServerProfile) {
	if p.Port == 0 {
		p.Port = DefaultSSHPort
	}
	if p.User == "" {
		p.User = DefaultUser
	}
}

// Validate enforces the configuration invariants: hop2 is present and
// non-empty iff the mode is bridge, and the local port is in range.
// Violations are reported as failure.KindConfig errors.
func (c *Config) Validate() error {
	mode := c.Mode.Canonical()
	if mode != ModeDirect && mode != ModeBridge {
		return failure.Configf("validate", "invalid mode %q: must be direct or bridge", c.Mode)
	}

	if err := c.Hop1.Validate(); err != nil {
		return failure.Configf("validate", "hop1: %w", err)
	}

	hasHop2 := c.Hop2 != nil && !c.Hop2.IsZero()
	switch {
	case mode == ModeBridge && !hasHop2:
		return failure.Configf("validate", "hop2 is required in bridge mode")
	case mode == ModeDirect && hasHop2:
		return failure.Configf("validate", "hop2 must be empty in direct mode")
	case hasHop2:
		if err := c.Hop2.Validate(); err != nil {
			return failure.Configf("validate", "hop2: %w", err)
		}
	}

	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return failure.Configf("validate", "local_port must be between 1 and 65535, got %d", c.LocalPort)
	}
	return nil
}

// Chain returns the hops in dial order.
func (c *Config) Chain() Chain {
	if c.Mode.Canonical() == ModeBridge && c.Hop2 != nil {
		return Chain{c.Hop1, *c.Hop2}
	}
	return Chain{c.Hop1}
}

// Chain is an ordered list of hops; each hop is reached through the previous one.
type Chain []ServerProfile

// Target returns the last hop, the host the tunnel exits from.
func (c Chain) Target() ServerProfile {
	if len(c) == 0 {
		return ServerProfile{}
	}
	return c[len(c)-1]
}

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, hop := range c {
		parts[i] = hop.String()
	}
	return strings.Join(parts, " -> ")
}

// validateHost validates that the host is a safe hostname or IP address.
// The host ends up in ssh command lines, so shell metacharacters are rejected.
func validateHost(host string) error {
	for _, r := range host {
		if r < 32 || r == 127 {
			return errors.New("invalid host: contains control characters")
		}
	}

	dangerousChars := []string{";", "|", "&", "$", "`", "(", ")", "{", "}", "[", "]", "<", ">", "\\", "'", "\"", " ", "@"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid host: contains forbidden character %q", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if len(host) > 253 {
		return errors.New("invalid host: hostname too long (max 253 characters)")
	}
	if strings.HasPrefix(host, "-") || strings.HasSuffix(host, "-") {
		return errors.New("invalid host: hostname cannot start or end with hyphen")
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return errors.New("invalid host: hostname cannot start or end with dot")
	}

	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 {
			return errors.New("invalid host: empty label in hostname")
		}
		if len(label) > 63 {
			return errors.New("invalid host: label too long (max 63 characters)")
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return errors.New("invalid host: label cannot start or end with hyphen")
		}
		for _, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '-' {
				return fmt.Errorf("invalid host: invalid character %q in hostname", r)
			}
		}
	}
	return nil
}

// validateUser accepts POSIX-style login names.
func validateUser(user string) error {
	if user == "" {
		return errors.New("user is required")
	}
	if len(user) > maxUserLength {
		return fmt.Errorf("user is too long (max %d characters)", maxUserLength)
	}
	if strings.HasPrefix(user, "-") {
		return errors.New("invalid user: cannot start with hyphen")
	}
	for _, r := range user {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '-' && r != '_' && r != '.' {
			return fmt.Errorf("invalid user: invalid character %q", r)
		}
	}
	return nil
}
