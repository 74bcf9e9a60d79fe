package connection

import (
	"time"

	"github.com/perfectssh/perfectssh/internal/failure"
)

// Outcome is the result of a connect request as surfaced to the CLI.
type Outcome int

const (
	// OutcomeNone means the request was rejected before it started (busy or
	// already connected).
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeConfigInvalid
	OutcomeExhaustedRetries
	OutcomeManualFixRequired
	OutcomeUserCancelled
)

var outcomeNames = map[Outcome]string{
	OutcomeNone:              "none",
	OutcomeSuccess:           "success",
	OutcomeConfigInvalid:     "config-invalid",
	OutcomeExhaustedRetries:  "exhausted-retries",
	OutcomeManualFixRequired: "manual-fix-required",
	OutcomeUserCancelled:     "user-cancelled",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return 0
	case OutcomeConfigInvalid:
		return 2
	case OutcomeExhaustedRetries:
		return 3
	case OutcomeManualFixRequired:
		return 4
	case OutcomeUserCancelled:
		return 130
	default:
		return 1
	}
}

// Attempt records one connection attempt. Records are appended when the
// attempt settles and never change afterwards.
type Attempt struct {
	SessionID string       `json:"session_id"`
	Number    int          `json:"number"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Success   bool         `json:"success"`
	Kind      failure.Kind `json:"-"`
	KindName  string       `json:"kind,omitempty"`
}

// ErrorInfo is the last error in a form suitable for display.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Category  string `json:"category,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Message   string `json:"message"`
	ManualFix string `json:"manual_fix,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: failure.KindOf(err).String(), Message: err.Error()}
	if fe, ok := failure.As(err); ok {
		info.Category = fe.Category
		info.Severity = fe.Severity
		info.ManualFix = fe.ManualFix
	}
	return info
}
