package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectssh/perfectssh/internal/failure"
)

func validHop(host string) ServerProfile {
	return ServerProfile{
		Host:       host,
		Port:       22,
		User:       "root",
		Credential: Credential{Password: "secret"},
	}
}

func TestServerProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile ServerProfile
		wantErr string
	}{
		{name: "valid password hop", profile: validHop("vps.example.com")},
		{name: "valid IP hop", profile: validHop("203.0.113.10")},
		{
			name:    "valid key hop",
			profile: ServerProfile{Host: "vps.example.com", Port: 2222, User: "deploy", Credential: Credential{KeyPath: "/home/u/.ssh/id_ed25519"}},
		},
		{
			name:    "valid keyring hop",
			profile: ServerProfile{Host: "vps.example.com", Port: 22, User: "root", Credential: Credential{KeyringRef: "vps"}},
		},
		{name: "missing host", profile: ServerProfile{Port: 22, User: "root", Credential: Credential{Password: "x"}}, wantErr: "host is required"},
		{name: "shell metacharacter", profile: validHop("host;rm -rf"), wantErr: "forbidden character"},
		{name: "user@host smuggled", profile: validHop("root@evil"), wantErr: "forbidden character"},
		{name: "hyphen prefix", profile: validHop("-oProxyCommand=x"), wantErr: "invalid host"},
		{name: "empty label", profile: validHop("a..b"), wantErr: "empty label"},
		{name: "port zero", profile: ServerProfile{Host: "h", Port: 0, User: "root", Credential: Credential{Password: "x"}}, wantErr: "port must be between"},
		{name: "port too large", profile: ServerProfile{Host: "h", Port: 70000, User: "root", Credential: Credential{Password: "x"}}, wantErr: "port must be between"},
		{name: "missing user", profile: ServerProfile{Host: "h", Port: 22, Credential: Credential{Password: "x"}}, wantErr: "user is required"},
		{name: "bad user", profile: ServerProfile{Host: "h", Port: 22, User: "ro ot", Credential: Credential{Password: "x"}}, wantErr: "invalid user"},
		{name: "no credential", profile: ServerProfile{Host: "h", Port: 22, User: "root"}, wantErr: "keyring reference is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	hop2 := validHop("exit.example.com")
	empty := ServerProfile{Port: 22, User: "root"}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "direct", cfg: Config{Mode: ModeDirect, Hop1: validHop("a.example.com"), LocalPort: 1080}},
		{name: "legacy 1_hop", cfg: Config{Mode: "1_hop", Hop1: validHop("a.example.com"), LocalPort: 1080}},
		{name: "direct with defaults-only hop2", cfg: Config{Mode: ModeDirect, Hop1: validHop("a.example.com"), Hop2: &empty, LocalPort: 1080}},
		{name: "bridge", cfg: Config{Mode: ModeBridge, Hop1: validHop("a.example.com"), Hop2: &hop2, LocalPort: 1080}},
		{name: "legacy 2_hop with empty hop2", cfg: Config{Mode: "2_hop", Hop1: validHop("a.example.com"), Hop2: &empty, LocalPort: 1080}, wantErr: "hop2 is required in bridge mode"},
		{name: "bridge without hop2", cfg: Config{Mode: ModeBridge, Hop1: validHop("a.example.com"), LocalPort: 1080}, wantErr: "hop2 is required"},
		{name: "direct with hop2", cfg: Config{Mode: ModeDirect, Hop1: validHop("a.example.com"), Hop2: &hop2, LocalPort: 1080}, wantErr: "hop2 must be empty"},
		{name: "unknown mode", cfg: Config{Mode: "3_hop", Hop1: validHop("a.example.com"), LocalPort: 1080}, wantErr: "invalid mode"},
		{name: "bad hop1", cfg: Config{Mode: ModeDirect, Hop1: ServerProfile{}, LocalPort: 1080}, wantErr: "hop1: host is required"},
		{name: "local port zero", cfg: Config{Mode: ModeDirect, Hop1: validHop("a.example.com")}, wantErr: "local_port"},
		{name: "local port too large", cfg: Config{Mode: ModeDirect, Hop1: validHop("a.example.com"), LocalPort: 65536}, wantErr: "local_port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, failure.KindConfig, failure.KindOf(err))
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Hop1: ServerProfile{Host: "a.example.com", Credential: Credential{Password: "x"}}}
	cfg.ApplyDefaults()

	assert.Equal(t, ModeDirect, cfg.Mode)
	assert.Equal(t, DefaultLocalPort, cfg.LocalPort)
	assert.Equal(t, DefaultSSHPort, cfg.Hop1.Port)
	assert.Equal(t, DefaultUser, cfg.Hop1.User)
	assert.Nil(t, cfg.Hop2)
}

func TestConfig_Chain(t *testing.T) {
	hop2 := validHop("exit.example.com")

	direct := Config{Mode: ModeDirect, Hop1: validHop("a.example.com")}
	chain := direct.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, "a.example.com", chain.Target().Host)

	bridge := Config{Mode: "2_hop", Hop1: validHop("a.example.com"), Hop2: &hop2}
	chain = bridge.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, "exit.example.com", chain.Target().Host)
	assert.Equal(t, "root@a.example.com:22 -> root@exit.example.com:22", chain.String())

	assert.Equal(t, ServerProfile{}, Chain{}.Target())
}

func TestMode_Canonical(t *testing.T) {
	assert.Equal(t, ModeDirect, Mode("1_hop").Canonical())
	assert.Equal(t, ModeBridge, Mode("2_hop").Canonical())
	assert.Equal(t, ModeBridge, ModeBridge.Canonical())
	assert.Equal(t, Mode("weird"), Mode("weird").Canonical())
}

func TestServerProfile_Address(t *testing.T) {
	assert.Equal(t, "[2001:db8::1]:22", ServerProfile{Host: "2001:db8::1", Port: 22}.Address())
	assert.Equal(t, "h:2222", ServerProfile{Host: "h", Port: 2222}.Address())
}
