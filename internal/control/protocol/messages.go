// Package protocol defines the messages exchanged between the perfectssh
// daemon and its clients.
//
// The protocol uses newline-delimited JSON (NDJSON) over a UNIX socket.
// Each message is a single JSON object terminated by a newline character.
package protocol

import (
	"encoding/json"

	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// MessageTypeRequest is sent from client to server.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is sent from server to client in reply to a request.
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is broadcast from server to all connected clients.
	MessageTypeEvent MessageType = "event"
)

// Command identifies the operation to perform.
type Command string

const (
	// CommandConnect starts a connect request in the daemon.
	CommandConnect Command = "connect"
	// CommandDisconnect aborts a connect request or closes the tunnel.
	CommandDisconnect Command = "disconnect"
	// CommandStatus queries the connection manager.
	CommandStatus Command = "status"
	// CommandLogs reads the daemon's log journal.
	CommandLogs Command = "logs"
)

// EventName identifies the type of event.
type EventName string

const (
	// EventStateChange indicates a connection state transition.
	EventStateChange EventName = "state_change"
	// EventReport carries a diagnostic report.
	EventReport EventName = "report"
	// EventStats carries a traffic sample.
	EventStats EventName = "stats"
	// EventError indicates an error surfaced to the user.
	EventError EventName = "error"
	// EventOutcome is sent when a connect request settles.
	EventOutcome EventName = "outcome"
)

// Request represents a command sent from client to server.
type Request struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Command Command         `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Response represents a reply from server to client.
type Response struct {
	// ID matches the request ID.
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event represents an asynchronous notification from server to clients.
type Event struct {
	Type MessageType     `json:"type"`
	Name EventName       `json:"name"`
	Data json.RawMessage `json:"data"`
}

// ErrorInfo contains details about an error.
type ErrorInfo struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ConnectParams contains parameters for the connect command. A nil Config
// connects with the configuration the daemon loaded from disk.
type ConnectParams struct {
	Config *profile.Config `json:"config,omitempty"`
}

// ConnectResult acknowledges an accepted connect request. The outcome
// arrives later as an outcome event.
type ConnectResult struct {
	Accepted bool   `json:"accepted"`
	Chain    string `json:"chain"`
}

// DisconnectParams contains parameters for the disconnect command.
type DisconnectParams struct{}

// StatusParams contains parameters for the status command.
type StatusParams struct{}

// StatusResult is the manager status plus the attempts of the current session.
type StatusResult struct {
	connection.Status
	Attempts []connection.Attempt `json:"attempts,omitempty"`
}

// LogsParams selects journal entries. Since is a sequence number; Limit
// bounds the result to the newest entries. Zero values return everything.
type LogsParams struct {
	Since uint64 `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// LogsResult contains journal entries, oldest first.
type LogsResult struct {
	Entries []logging.Entry `json:"entries"`
}

// StateChangeData contains data for state_change events.
type StateChangeData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ErrorData contains data for error events.
type ErrorData struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	ManualFix string `json:"manual_fix,omitempty"`
}

// OutcomeData contains data for outcome events.
type OutcomeData struct {
	Outcome  string `json:"outcome"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// NewRequest creates a new request with the given command and parameters.
func NewRequest(id string, cmd Command, params any) (*Request, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:      id,
		Type:    MessageTypeRequest,
		Command: cmd,
		Params:  paramsJSON,
	}, nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: true,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code string, message string) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates a new event with the given name and data.
func NewEvent(name EventName, data any) (*Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type: MessageTypeEvent,
		Name: name,
		Data: dataJSON,
	}, nil
}
