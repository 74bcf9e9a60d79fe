package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/profile"
)

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		cmd     Command
		params  any
		wantErr bool
	}{
		{
			name: "connect with inline config",
			id:   "req-001",
			cmd:  CommandConnect,
			params: ConnectParams{Config: &profile.Config{
				Mode:      profile.ModeDirect,
				Hop1:      profile.ServerProfile{Host: "203.0.113.10", Port: 22, User: "root"},
				LocalPort: 1080,
			}},
		},
		{
			name:   "connect with loaded config",
			id:     "req-002",
			cmd:    CommandConnect,
			params: ConnectParams{},
		},
		{
			name:   "logs",
			id:     "req-003",
			cmd:    CommandLogs,
			params: LogsParams{Since: 10, Limit: 50},
		},
		{
			name:    "unmarshalable params",
			id:      "req-004",
			cmd:     CommandStatus,
			params:  make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(tt.id, tt.cmd, tt.params)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.id, req.ID)
			assert.Equal(t, MessageTypeRequest, req.Type)
			assert.Equal(t, tt.cmd, req.Command)
			assert.NotEmpty(t, req.Params)
		})
	}
}

func TestConnectParams_OmitsNilConfig(t *testing.T) {
	req, err := NewRequest("id", CommandConnect, ConnectParams{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(req.Params))

	var decoded ConnectParams
	require.NoError(t, json.Unmarshal(req.Params, &decoded))
	assert.Nil(t, decoded.Config)
}

func TestStatusResult_FlattensStatus(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	result := StatusResult{
		Status: connection.Status{
			State:     connection.StateFailed,
			Since:     since,
			Chain:     "root@203.0.113.10:22",
			LocalPort: 1080,
			Attempt:   2,
			Report: &doctor.Report{Issues: []doctor.Issue{{
				Category: doctor.CategorySecurityHostKey,
				Severity: doctor.SeverityHigh,
				Evidence: "Host key verification failed.",
			}}},
			LastError: &connection.ErrorInfo{Kind: "security", Message: "host key changed"},
		},
		Attempts: []connection.Attempt{{Number: 1, KindName: "security"}},
	}

	resp, err := NewSuccessResponse("resp-001", result)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &raw))
	assert.Equal(t, "failed", raw["state"])
	assert.Equal(t, "root@203.0.113.10:22", raw["chain"])
	assert.NotContains(t, raw, "Status")

	var decoded StatusResult
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	assert.Equal(t, connection.StateFailed, decoded.State)
	assert.True(t, since.Equal(decoded.Since))
	require.NotNil(t, decoded.Report)
	assert.Equal(t, doctor.CategorySecurityHostKey, decoded.Report.Issues[0].Category)
	assert.Equal(t, doctor.SeverityHigh, decoded.Report.Issues[0].Severity)
	require.Len(t, decoded.Attempts, 1)
	assert.Equal(t, "security", decoded.Attempts[0].KindName)
}

func TestNewSuccessResponse_NilResult(t *testing.T) {
	resp, err := NewSuccessResponse("resp-002", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Result)
	assert.Nil(t, resp.Error)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "result")
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("req-9", ErrCodeBusy, "a connection attempt is already in progress")

	assert.Equal(t, "req-9", resp.ID)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBusy, resp.Error.Code)
	assert.Nil(t, resp.Result)
}

func TestNewEvent(t *testing.T) {
	tests := []struct {
		name     EventName
		data     any
		expected string
	}{
		{EventStateChange, StateChangeData{From: "connecting", To: "diagnosing"}, `{"from":"connecting","to":"diagnosing"}`},
		{EventError, ErrorData{Message: "boom"}, `{"message":"boom"}`},
		{EventOutcome, OutcomeData{Outcome: "exhausted-retries", ExitCode: 3}, `{"outcome":"exhausted-retries","exit_code":3}`},
		{EventReport, doctor.Report{Issues: []doctor.Issue{}}, `{"issues":[]}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			event, err := NewEvent(tt.name, tt.data)
			require.NoError(t, err)
			assert.Equal(t, MessageTypeEvent, event.Type)
			assert.Equal(t, tt.name, event.Name)
			assert.JSONEq(t, tt.expected, string(event.Data))
		})
	}
}

func TestEvent_JSONSerialization(t *testing.T) {
	event, err := NewEvent(EventStateChange, StateChangeData{From: "idle", To: "connecting"})
	require.NoError(t, err)

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","name":"state_change","data":{"from":"idle","to":"connecting"}}`, string(data))
}
