package connection

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectssh/perfectssh/internal/failure"
)

func TestOutcome_ExitCode(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		name     string
		exitCode int
	}{
		{OutcomeSuccess, "success", 0},
		{OutcomeNone, "none", 1},
		{OutcomeConfigInvalid, "config-invalid", 2},
		{OutcomeExhaustedRetries, "exhausted-retries", 3},
		{OutcomeManualFixRequired, "manual-fix-required", 4},
		{OutcomeUserCancelled, "user-cancelled", 130},
		{Outcome(99), "unknown", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.outcome.String())
			assert.Equal(t, tt.exitCode, tt.outcome.ExitCode())
		})
	}
}

func TestOutcome_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Outcome{"outcome": OutcomeManualFixRequired})
	require.NoError(t, err)
	assert.JSONEq(t, `{"outcome":"manual-fix-required"}`, string(data))
}

func TestErrorInfo(t *testing.T) {
	assert.Nil(t, errorInfo(nil))

	plain := errorInfo(errors.New("boom"))
	assert.Equal(t, "unknown", plain.Kind)
	assert.Equal(t, "boom", plain.Message)
	assert.Empty(t, plain.ManualFix)

	fe := failure.New(failure.KindService, "connect", errors.New("administratively prohibited"))
	fe.Category = "ConfigForwardingDisabled"
	fe.Severity = "high"
	fe.ManualFix = "enable forwarding"

	info := errorInfo(fe)
	assert.Equal(t, "service", info.Kind)
	assert.Equal(t, "ConfigForwardingDisabled", info.Category)
	assert.Equal(t, "high", info.Severity)
	assert.Equal(t, "enable forwarding", info.ManualFix)
	assert.Equal(t, "connect: service: administratively prohibited", info.Message)
}

func TestAttempt_JSONOmitsKindValue(t *testing.T) {
	a := Attempt{SessionID: "s", Number: 2, Kind: failure.KindAuth, KindName: "auth"}
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "auth", decoded["kind"])
	assert.EqualValues(t, 2, decoded["number"])
}

func TestPortRegistry(t *testing.T) {
	r := newPortRegistry()

	require.NoError(t, r.acquire(1080))
	assert.True(t, r.isHeld(1080))

	err := r.acquire(1080)
	require.Error(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))

	require.NoError(t, r.acquire(1081))
	r.release(1080)
	assert.False(t, r.isHeld(1080))
	require.NoError(t, r.acquire(1080))
}
