package doctor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/tunnel"
)

func TestClassify_Signatures(t *testing.T) {
	tests := []struct {
		name     string
		sig      Signal
		category Category
		severity Severity
	}{
		{
			name:     "forwarding prohibited",
			sig:      Signal{Stderr: "channel 2: open failed: administratively prohibited: open failed"},
			category: CategoryConfigForwardingDisabled,
			severity: SeverityHigh,
		},
		{
			name:     "channel setup failed",
			sig:      Signal{Stderr: "channel_setup_fwd_listener: channel setup failed"},
			category: CategoryConfigForwardingDisabled,
			severity: SeverityHigh,
		},
		{
			name:     "password rejected",
			sig:      Signal{ExitCode: 255, Stderr: "root@10.0.0.1: Permission denied (publickey,password)."},
			category: CategoryAuthFailure,
			severity: SeverityMedium,
		},
		{
			name:     "library auth failure",
			sig:      Signal{Stderr: "ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"},
			category: CategoryAuthFailure,
			severity: SeverityMedium,
		},
		{
			name:     "lockout",
			sig:      Signal{Stderr: "Received disconnect from 10.0.0.1 port 22:2: Too many authentication failures"},
			category: CategoryAuthFailure,
			severity: SeverityHigh,
		},
		{
			name:     "service down",
			sig:      Signal{Stderr: "ssh: connect to host 10.0.0.1 port 22: Connection refused"},
			category: CategoryServiceDown,
			severity: SeverityHigh,
		},
		{
			name:     "blocked port",
			sig:      Signal{Stderr: "ssh: connect to host 10.0.0.1 port 22: Connection timed out"},
			category: CategoryPortBlocked,
			severity: SeverityMedium,
		},
		{
			name:     "unreachable network",
			sig:      Signal{Stderr: "dial tcp 10.0.0.1:22: connect: network is unreachable"},
			category: CategoryPortBlocked,
			severity: SeverityMedium,
		},
		{
			name:     "host key mismatch",
			sig:      Signal{Stderr: "Host key verification failed."},
			category: CategorySecurityHostKey,
			severity: SeverityHigh,
		},
		{
			name:     "probe reports forwarding off",
			sig:      Signal{Stderr: "something odd", Probe: &ProbeResult{Output: "allowtcpforwarding no\nport 22"}},
			category: CategoryConfigForwardingDisabled,
			severity: SeverityHigh,
		},
		{
			name:     "probe reports keepalive off",
			sig:      Signal{Probe: &ProbeResult{Output: "clientaliveinterval 0"}},
			category: CategoryConfigKeepalive,
			severity: SeverityLow,
		},
		{
			name:     "probe error is classified",
			sig:      Signal{Probe: &ProbeResult{Err: errors.New("dial tcp 10.0.0.1:22: connect: connection refused")}},
			category: CategoryServiceDown,
			severity: SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Classify(tt.sig)
			require.Len(t, report.Issues, 1)
			assert.Equal(t, tt.category, report.Issues[0].Category)
			assert.Equal(t, tt.severity, report.Issues[0].Severity)
			assert.NotEmpty(t, report.Issues[0].ManualFix)
		})
	}
}

func TestClassify_ForwardingDisabledYieldsOneIssue(t *testing.T) {
	report := Classify(Signal{ExitCode: 255, Stderr: "forwarding disabled"})

	require.Len(t, report.Issues, 1)
	assert.Equal(t, Issue{
		Category:  CategoryConfigForwardingDisabled,
		Severity:  SeverityHigh,
		Evidence:  "forwarding disabled",
		ManualFix: fixForwarding,
	}, report.Issues[0])
}

func TestClassify_Unknown(t *testing.T) {
	t.Run("last output line is evidence", func(t *testing.T) {
		report := Classify(Signal{ExitCode: 1, Stderr: "first\nsomething unexpected\n"})
		require.Len(t, report.Issues, 1)
		assert.Equal(t, CategoryUnknown, report.Issues[0].Category)
		assert.Equal(t, SeverityMedium, report.Issues[0].Severity)
		assert.Equal(t, "something unexpected", report.Issues[0].Evidence)
	})

	t.Run("exit code when silent", func(t *testing.T) {
		report := Classify(Signal{ExitCode: 255})
		require.Len(t, report.Issues, 1)
		assert.Equal(t, "exit code 255", report.Issues[0].Evidence)
	})

	t.Run("probe settings alone are not output evidence", func(t *testing.T) {
		report := Classify(Signal{ExitCode: 7, Probe: &ProbeResult{Output: "allowtcpforwarding yes"}})
		require.Len(t, report.Issues, 1)
		assert.Equal(t, CategoryUnknown, report.Issues[0].Category)
		assert.Equal(t, "exit code 7", report.Issues[0].Evidence)
	})
}

func TestClassify_ProbeRulesIgnoreClientOutput(t *testing.T) {
	report := Classify(Signal{Stderr: "clientaliveinterval 0"})

	require.Len(t, report.Issues, 1)
	assert.Equal(t, CategoryUnknown, report.Issues[0].Category)
}

func TestClassify_Ordering(t *testing.T) {
	sig := Signal{
		Stderr: "connect to host a port 22: Connection timed out\n" +
			"connect to host b port 22: Connection refused\n" +
			"Host key verification failed.",
		Probe: &ProbeResult{Output: "clientaliveinterval 0"},
	}

	report := Classify(sig)

	var got []Category
	for _, issue := range report.Issues {
		got = append(got, issue.Category)
	}
	assert.Equal(t, []Category{
		CategorySecurityHostKey,
		CategoryServiceDown,
		CategoryPortBlocked,
		CategoryConfigKeepalive,
	}, got)
}

func TestClassify_Deduplication(t *testing.T) {
	line := "ssh: connect to host 10.0.0.1 port 22: Connection refused"
	sig := Signal{
		Stderr: line + "\n" + line,
		Probe:  &ProbeResult{Err: errors.New(line)},
	}

	report := Classify(sig)
	require.Len(t, report.Issues, 1)

	sig.Stdout = "dial tcp 10.0.0.2:22: connection refused"
	report = Classify(sig)
	assert.Len(t, report.Issues, 2, "distinct evidence in one category is kept")
}

func TestClassify_Deterministic(t *testing.T) {
	sig := Signal{
		ExitCode: 255,
		Stderr:   "Permission denied (password).\nToo many authentication failures\nchannel setup failed\nConnection refused",
		Probe:    &ProbeResult{Output: "allowtcpforwarding no\nclientaliveinterval 0"},
	}

	first := Classify(sig)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(sig))
	}
}

func TestReport_Helpers(t *testing.T) {
	report := Classify(Signal{Stderr: "Host key verification failed.\nforwarding disabled\nPermission denied"})

	assert.Len(t, report.Blocking(), 1)
	assert.Len(t, report.Fixable(), 1)
	assert.Equal(t, failure.KindSecurity, report.Kind())

	top, ok := report.Top()
	require.True(t, ok)
	assert.Equal(t, CategorySecurityHostKey, top.Category)
	assert.Contains(t, report.ManualFix(), "ssh-keygen -R")
	assert.Contains(t, report.ManualFix(), "AllowTcpForwarding yes")

	fe := report.Err("connect", errors.New("tunnel failed"))
	assert.Equal(t, failure.KindSecurity, fe.Kind)
	assert.Equal(t, "SecurityHostKey", fe.Category)
	assert.Equal(t, "high", fe.Severity)

	var empty *Report
	_, ok = empty.Top()
	assert.False(t, ok)
	assert.Equal(t, failure.KindUnknown, empty.Kind())
	assert.Empty(t, empty.Fixable())
}

func TestCategory_Text(t *testing.T) {
	for c := CategorySecurityHostKey; c <= CategoryUnknown; c++ {
		text, err := c.MarshalText()
		require.NoError(t, err)

		var back Category
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, c, back)
	}

	var c Category
	assert.Error(t, c.UnmarshalText([]byte("Nope")))
	assert.Equal(t, "Category(42)", Category(42).String())
}

func TestSignalFromError(t *testing.T) {
	t.Run("start error", func(t *testing.T) {
		err := &tunnel.StartError{ExitCode: 255, Stderr: "Permission denied", Err: errors.New("exit status 255")}
		sig := SignalFromError(err)
		assert.Equal(t, 255, sig.ExitCode)
		assert.Equal(t, "Permission denied", sig.Stderr)
	})

	t.Run("start error without stderr", func(t *testing.T) {
		err := &tunnel.StartError{ExitCode: 255, Err: errors.New("connection refused")}
		assert.Equal(t, "connection refused", SignalFromError(err).Stderr)
	})

	t.Run("plain error", func(t *testing.T) {
		sig := SignalFromError(errors.New("boom"))
		assert.Equal(t, -1, sig.ExitCode)
		assert.Equal(t, "boom", sig.Stderr)
	})

	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, Signal{}, SignalFromError(nil))
	})
}
