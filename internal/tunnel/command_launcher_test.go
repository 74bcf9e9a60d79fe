package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/profile"
)

func hop(host string, port int, cred profile.Credential) profile.ServerProfile {
	return profile.ServerProfile{Host: host, Port: port, User: "root", Credential: cred}
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestCommandLauncher_BuildSpec_Password(t *testing.T) {
	l := NewCommandLauncherWithExecutor(CommandOptions{
		SSHPath:        "/usr/bin/ssh",
		SSHPassPath:    "/usr/bin/sshpass",
		KnownHostsFile: "/tmp/kh",
		ConnectTimeout: 15 * time.Second,
	}, NewMockExecutor())

	spec, err := l.buildSpec(profile.Chain{hop("203.0.113.7", 2222, profile.Credential{Password: "s3cret"})}, 40001, true)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/sshpass", spec.Name)
	assert.Equal(t, []string{"-e", "/usr/bin/ssh"}, spec.Args[:2])
	assert.Equal(t, []string{"SSHPASS=s3cret"}, spec.Env)
	for _, a := range spec.Args {
		assert.NotContains(t, a, "s3cret", "password must not appear in argv")
	}

	args := spec.Args[2:]
	assert.Equal(t, "127.0.0.1:40001", argValue(args, "-D"))
	assert.Equal(t, "2222", argValue(args, "-p"))
	assert.Contains(t, args, "-C")
	assert.Contains(t, args, "ExitOnForwardFailure=yes")
	assert.Contains(t, args, "StrictHostKeyChecking=accept-new")
	assert.Contains(t, args, "UserKnownHostsFile=/tmp/kh")
	assert.Contains(t, args, "ConnectTimeout=15")
	assert.Equal(t, "root@203.0.113.7", args[len(args)-1])
	assert.NotContains(t, args, "-J")
}

func TestCommandLauncher_BuildSpec_KeyBridge(t *testing.T) {
	l := NewCommandLauncherWithExecutor(CommandOptions{StrictHostKeys: true}, NewMockExecutor())
	chain := profile.Chain{
		hop("198.51.100.1", 22, profile.Credential{KeyPath: "/k1"}),
		hop("203.0.113.7", 22, profile.Credential{KeyPath: "/k2"}),
	}

	spec, err := l.buildSpec(chain, 40002, false)
	require.NoError(t, err)

	assert.Equal(t, "ssh", spec.Name)
	assert.Empty(t, spec.Env)
	assert.Equal(t, "root@198.51.100.1:22", argValue(spec.Args, "-J"))
	assert.Equal(t, "/k2", argValue(spec.Args, "-i"))
	assert.Contains(t, spec.Args, "StrictHostKeyChecking=yes")
	assert.NotContains(t, spec.Args, "-C")
}

func TestCommandLauncher_BuildSpec_Passphrase(t *testing.T) {
	l := NewCommandLauncherWithExecutor(CommandOptions{}, NewMockExecutor())

	spec, err := l.buildSpec(profile.Chain{hop("203.0.113.7", 22, profile.Credential{KeyPath: "/k", Passphrase: "pp"})}, 40003, false)
	require.NoError(t, err)

	assert.Equal(t, "sshpass", spec.Name)
	assert.Equal(t, []string{"-e", "-P", "passphrase", "ssh"}, spec.Args[:4])
	assert.Equal(t, []string{"SSHPASS=pp"}, spec.Env)
}

func TestCommandLauncher_BuildSpec_DifferentPasswords(t *testing.T) {
	l := NewCommandLauncherWithExecutor(CommandOptions{}, NewMockExecutor())
	chain := profile.Chain{
		hop("198.51.100.1", 22, profile.Credential{Password: "a"}),
		hop("203.0.113.7", 22, profile.Credential{Password: "b"}),
	}

	_, err := l.buildSpec(chain, 40004, false)
	require.Error(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))

	chain[1].Password = "a"
	_, err = l.buildSpec(chain, 40004, false)
	assert.NoError(t, err)
}

// startFakeSSH makes the mock process behave like ssh -D: once started it
// serves SOCKS on the -D address and dials directly.
func startFakeSSH(t *testing.T, executor *MockExecutor) {
	t.Helper()
	proc := executor.GetProcess()
	proc.onStart = func() {
		addr := argValue(executor.GetLastSpec().Args, "-D")
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("fake ssh listen: %v", err)
			return
		}
		srv := newSocksServer((&net.Dialer{}).DialContext, &Counters{})
		go srv.serve(context.Background(), ln)
		proc.onKill = func() {
			ln.Close()
			srv.closeAll()
		}
	}
}

func TestCommandLauncher_StartAndRelay(t *testing.T) {
	sshd, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sshd.Close()
	go func() {
		for {
			c, err := sshd.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	echo := echoServer(t)

	executor := NewMockExecutor()
	startFakeSSH(t, executor)
	l := NewCommandLauncherWithExecutor(CommandOptions{ConnectTimeout: 5 * time.Second, HealthTimeout: 2 * time.Second}, executor)

	port := mustFreePort(t)
	chain := profile.Chain{hop("127.0.0.1", sshd.Addr().(*net.TCPAddr).Port, profile.Credential{KeyPath: "/k"})}
	h, err := l.Start(context.Background(), chain, port, false)
	require.NoError(t, err)

	assert.True(t, h.IsHealthy(context.Background()))

	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", echo)
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, "ping", string(buf))
	assert.Greater(t, h.BytesOut(), uint64(4), "relay counts the SOCKS handshake as well")
	assert.Greater(t, h.BytesIn(), uint64(4))

	require.NoError(t, h.Stop())
	assert.True(t, executor.GetProcess().IsKilled())
	<-h.Done()
	assert.NoError(t, h.Err())
}

func TestCommandLauncher_ProcessExitsDuringStart(t *testing.T) {
	executor := NewMockExecutor()
	executor.GetProcess().ExitWith(errors.New("exit status 255"),
		"channel 2: open failed: administratively prohibited: open failed",
		"Could not request local forwarding.",
	)
	l := NewCommandLauncherWithExecutor(CommandOptions{ConnectTimeout: 5 * time.Second}, executor)

	port := mustFreePort(t)
	_, err := l.Start(context.Background(), profile.Chain{hop("127.0.0.1", 22, profile.Credential{KeyPath: "/k"})}, port, false)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Contains(t, startErr.Stderr, "administratively prohibited")
	assert.Equal(t, 2, strings.Count(startErr.Stderr, "\n")+1)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "port released after failed start")
	ln.Close()
}

func TestCommandLauncher_ExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 255")
	waitErr := cmd.Run()

	assert.Equal(t, 255, exitCode(waitErr))
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(errors.New("boom")))
}

func TestCommandLauncher_StartTimeout(t *testing.T) {
	executor := NewMockExecutor()
	l := NewCommandLauncherWithExecutor(CommandOptions{ConnectTimeout: 300 * time.Millisecond}, executor)

	_, err := l.Start(context.Background(), profile.Chain{hop("127.0.0.1", 22, profile.Credential{KeyPath: "/k"})}, mustFreePort(t), false)

	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.True(t, executor.GetProcess().IsKilled())
}

func TestCommandLauncher_CreateError(t *testing.T) {
	executor := NewMockExecutor()
	executor.createErr = errors.New("no such file")
	l := NewCommandLauncherWithExecutor(CommandOptions{}, executor)

	_, err := l.Start(context.Background(), profile.Chain{hop("127.0.0.1", 22, profile.Credential{KeyPath: "/k"})}, mustFreePort(t), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create process")
}
