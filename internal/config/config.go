// Package config manages application-level settings: retry budget, timeouts,
// which tunnel client to use and where runtime files live.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/perfectssh/perfectssh/internal/fileutil"
	"github.com/perfectssh/perfectssh/internal/reconnect"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "perfectssh"
	// SettingsFileName is the name of the settings file.
	SettingsFileName = "settings.json"
	// TunnelFileName is the default tunnel configuration file.
	TunnelFileName = "tunnel.yaml"
	// EnvPrefix prefixes every environment override, e.g. PERFECTSSH_CLIENT.
	EnvPrefix = "PERFECTSSH"
)

// Tunnel client implementations.
const (
	ClientLibrary = "library"
	ClientOpenSSH = "openssh"
)

// Host key policies.
const (
	HostKeyStrict    = "strict"
	HostKeyAcceptNew = "accept-new"
)

// Duration is a time.Duration that reads and writes as "2s" in JSON and
// environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RetrySettings configures the backoff between connection attempts.
type RetrySettings struct {
	BaseDelay   Duration `json:"base_delay" split_words:"true"`
	MaxDelay    Duration `json:"max_delay" split_words:"true"`
	MaxAttempts int      `json:"max_attempts" split_words:"true"`
	Jitter      float64  `json:"jitter"`
}

// Settings represents the application settings.
type Settings struct {
	Retry          RetrySettings `json:"retry"`
	CommandTimeout Duration      `json:"command_timeout" split_words:"true"`
	ConnectTimeout Duration      `json:"connect_timeout" split_words:"true"`
	HealthTimeout  Duration      `json:"health_timeout" split_words:"true"`
	SampleInterval Duration      `json:"sample_interval" split_words:"true"`
	Client         string        `json:"client"`
	SSHPath        string        `json:"ssh_path" split_words:"true"`
	SSHPassPath    string        `json:"sshpass_path" split_words:"true"`
	KnownHostsFile string        `json:"known_hosts_file" split_words:"true"`
	HostKeyPolicy  string        `json:"host_key_policy" split_words:"true"`
	ControlSocket  string        `json:"control_socket" split_words:"true"`
	MetricsAddr    string        `json:"metrics_addr,omitempty" split_words:"true"`
	LogFile        string        `json:"log_file,omitempty" split_words:"true"`
	AutoReconnect  bool          `json:"auto_reconnect" split_words:"true"`
}

// DefaultSettings returns settings with sensible defaults.
func DefaultSettings() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		Retry: RetrySettings{
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(30 * time.Second),
			MaxAttempts: 3,
			Jitter:      0.2,
		},
		CommandTimeout: Duration(20 * time.Second),
		ConnectTimeout: Duration(15 * time.Second),
		HealthTimeout:  Duration(10 * time.Second),
		SampleInterval: Duration(time.Second),
		Client:         ClientLibrary,
		SSHPath:        "/usr/bin/ssh",
		SSHPassPath:    "/usr/bin/sshpass",
		KnownHostsFile: filepath.Join(home, ".ssh", "known_hosts"),
		HostKeyPolicy:  HostKeyAcceptNew,
		ControlSocket:  defaultControlSocket(),
	}
}

func defaultControlSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppName+".sock")
	}
	return filepath.Join(os.TempDir(), AppName+"-"+strconv.Itoa(os.Getuid())+".sock")
}

// Policy converts the retry settings into a backoff policy.
func (s *Settings) Policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   s.Retry.BaseDelay.Std(),
		MaxDelay:    s.Retry.MaxDelay.Std(),
		MaxAttempts: s.Retry.MaxAttempts,
		Jitter:      s.Retry.Jitter,
	}
}

// Paths holds the resolved configuration locations.
type Paths struct {
	ConfigDir    string
	SettingsFile string
	TunnelFile   string
}

// GetPaths returns the configuration paths following XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	configDir := filepath.Join(configHome, AppName)
	return &Paths{
		ConfigDir:    configDir,
		SettingsFile: filepath.Join(configDir, SettingsFileName),
		TunnelFile:   filepath.Join(configDir, TunnelFileName),
	}, nil
}

// EnsurePaths creates the configuration directory.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads settings from disk, falling back to defaults when the file does
// not exist. Fields missing from the file keep their default values.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return s, nil
}

// Save writes the settings to disk atomically.
func Save(path string, s *Settings) error {
	err := fileutil.WriteAtomic(path, 0600, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	})
	if err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from PERFECTSSH_* environment variables, for
// example PERFECTSSH_RETRY_MAX_ATTEMPTS=5 or PERFECTSSH_CLIENT=openssh.
func ApplyEnv(s *Settings) error {
	if err := envconfig.Process(EnvPrefix, s); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Validate checks if the settings are usable.
func (s *Settings) Validate() error {
	if s.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if s.Retry.MaxDelay < s.Retry.BaseDelay {
		return fmt.Errorf("retry max delay must be at least the base delay")
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1")
	}
	for name, d := range map[string]Duration{
		"command timeout": s.CommandTimeout,
		"connect timeout": s.ConnectTimeout,
		"health timeout":  s.HealthTimeout,
		"sample interval": s.SampleInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch s.Client {
	case ClientLibrary, ClientOpenSSH:
	default:
		return fmt.Errorf("client must be %q or %q, got %q", ClientLibrary, ClientOpenSSH, s.Client)
	}
	switch s.HostKeyPolicy {
	case HostKeyStrict, HostKeyAcceptNew:
	default:
		return fmt.Errorf("host key policy must be %q or %q, got %q", HostKeyStrict, HostKeyAcceptNew, s.HostKeyPolicy)
	}
	if s.Client == ClientOpenSSH && s.SSHPath == "" {
		return fmt.Errorf("ssh path must not be empty")
	}
	if s.ControlSocket == "" {
		return fmt.Errorf("control socket path must not be empty")
	}
	return nil
}

// LoadSettings resolves the settings file, applies environment overrides and
// validates the result. path may be empty to use the XDG location.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		paths, err := GetPaths()
		if err != nil {
			return nil, err
		}
		path = paths.SettingsFile
	}

	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
