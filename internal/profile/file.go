package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/fileutil"
)

// fileHop is the on-disk shape of a hop. It accepts the legacy "ip"/"pass"
// keys and ports written as strings.
type fileHop struct {
	Host       string    `yaml:"host,omitempty"`
	IP         string    `yaml:"ip,omitempty"`
	Port       portValue `yaml:"port,omitempty"`
	User       string    `yaml:"user,omitempty"`
	Password   string    `yaml:"password,omitempty"`
	Pass       string    `yaml:"pass,omitempty"`
	KeyPath    string    `yaml:"key_path,omitempty"`
	Passphrase string    `yaml:"passphrase,omitempty"`
	KeyringRef string    `yaml:"keyring_ref,omitempty"`
}

type portValue int

func (p *portValue) UnmarshalYAML(node *yaml.Node) error {
	value := strings.TrimSpace(node.Value)
	if value == "" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("line %d: invalid port %q", node.Line, node.Value)
	}
	*p = portValue(n)
	return nil
}

// UnmarshalYAML decodes a hop, folding legacy keys into their current names.
func (p *ServerProfile) UnmarshalYAML(node *yaml.Node) error {
	var raw fileHop
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.Host = raw.Host
	if p.Host == "" {
		p.Host = raw.IP
	}
	p.Port = int(raw.Port)
	p.User = raw.User
	p.Password = raw.Password
	if p.Password == "" {
		p.Password = raw.Pass
	}
	p.KeyPath = raw.KeyPath
	p.Passphrase = raw.Passphrase
	p.KeyringRef = raw.KeyringRef
	return nil
}

// MarshalYAML always writes the current key names.
func (p ServerProfile) MarshalYAML() (interface{}, error) {
	return fileHop{
		Host:       p.Host,
		Port:       portValue(p.Port),
		User:       p.User,
		Password:   p.Password,
		KeyPath:    p.KeyPath,
		Passphrase: p.Passphrase,
		KeyringRef: p.KeyringRef,
	}, nil
}

// Parse decodes a YAML or JSON tunnel configuration and applies defaults.
// The result is not validated; Config.Validate runs before each connect.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, failure.Configf("parse", "configuration is empty")
		}
		return nil, failure.Configf("parse", "%w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadFile reads and parses the tunnel configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("load", "read %s: %w", path, err)
	}
	return Parse(data)
}

// SaveFile writes cfg as YAML. The file holds credentials, so it is 0600.
func SaveFile(path string, cfg *Config) error {
	return fileutil.WriteAtomic(path, 0600, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	})
}
