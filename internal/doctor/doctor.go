// Package doctor classifies tunnel failures into issues and repairs the
// remote host configuration behind them.
package doctor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/tunnel"
)

// Category identifies a class of problem. The declaration order is the
// tie-breaker when ordering issues of equal severity.
type Category int

const (
	CategorySecurityHostKey Category = iota
	CategoryAuthFailure
	CategoryConfigForwardingDisabled
	CategoryServiceDown
	CategoryPortBlocked
	CategoryConfigKeepalive
	CategoryUnknown
)

var categoryNames = [...]string{
	CategorySecurityHostKey:          "SecurityHostKey",
	CategoryAuthFailure:              "AuthFailure",
	CategoryConfigForwardingDisabled: "ConfigForwardingDisabled",
	CategoryServiceDown:              "ServiceDown",
	CategoryPortBlocked:              "PortBlocked",
	CategoryConfigKeepalive:          "ConfigKeepalive",
	CategoryUnknown:                  "Unknown",
}

func (c Category) String() string {
	if c >= 0 && int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	for i, name := range categoryNames {
		if name == string(text) {
			*c = Category(i)
			return nil
		}
	}
	return fmt.Errorf("unknown category %q", text)
}

// AutoFixable reports whether a repair plan can address the category.
func (c Category) AutoFixable() bool {
	switch c {
	case CategoryConfigForwardingDisabled, CategoryServiceDown, CategoryConfigKeepalive:
		return true
	default:
		return false
	}
}

// RequiresConfirmation reports whether the category must be resolved by the
// user before any further attempt is made.
func (c Category) RequiresConfirmation() bool {
	return c == CategorySecurityHostKey
}

// Kind maps the category onto the error taxonomy.
func (c Category) Kind() failure.Kind {
	switch c {
	case CategorySecurityHostKey:
		return failure.KindSecurity
	case CategoryAuthFailure:
		return failure.KindAuth
	case CategoryConfigForwardingDisabled, CategoryServiceDown, CategoryConfigKeepalive:
		return failure.KindService
	case CategoryPortBlocked:
		return failure.KindNetwork
	default:
		return failure.KindUnknown
	}
}

// Severity ranks issues; higher values sort first.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Issue is one classified problem.
type Issue struct {
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Evidence  string   `json:"evidence"`
	ManualFix string   `json:"manual_fix"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Category, i.Evidence)
}

// Report is the ordered output of a classification.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Top returns the most severe issue.
func (r *Report) Top() (Issue, bool) {
	if r == nil || len(r.Issues) == 0 {
		return Issue{}, false
	}
	return r.Issues[0], true
}

// Fixable returns the issues a repair plan can address.
func (r *Report) Fixable() []Issue {
	return r.filter(func(i Issue) bool { return i.Category.AutoFixable() })
}

// Blocking returns the issues that must never be repaired automatically.
func (r *Report) Blocking() []Issue {
	return r.filter(func(i Issue) bool { return i.Category.RequiresConfirmation() })
}

func (r *Report) filter(keep func(Issue) bool) []Issue {
	if r == nil {
		return nil
	}
	var out []Issue
	for _, issue := range r.Issues {
		if keep(issue) {
			out = append(out, issue)
		}
	}
	return out
}

// Kind returns the error kind of the top issue.
func (r *Report) Kind() failure.Kind {
	top, ok := r.Top()
	if !ok {
		return failure.KindUnknown
	}
	return top.Category.Kind()
}

// ManualFix joins the distinct manual-fix suggestions in report order.
func (r *Report) ManualFix() string {
	if r == nil {
		return ""
	}
	seen := make(map[string]bool)
	var fixes []string
	for _, issue := range r.Issues {
		if issue.ManualFix == "" || seen[issue.ManualFix] {
			continue
		}
		seen[issue.ManualFix] = true
		fixes = append(fixes, issue.ManualFix)
	}
	return strings.Join(fixes, " ")
}

// Err wraps cause into a failure.Error annotated with the top issue.
func (r *Report) Err(op string, cause error) *failure.Error {
	fe := failure.New(r.Kind(), op, cause)
	if top, ok := r.Top(); ok {
		fe.Category = top.Category.String()
		fe.Severity = top.Severity.String()
		fe.ManualFix = r.ManualFix()
	}
	return fe
}

// Signal is the raw evidence of a failed attempt.
type Signal struct {
	ExitCode int
	Stderr   string
	Stdout   string
	Probe    *ProbeResult
}

// ProbeResult is the outcome of the read-only remote probe.
type ProbeResult struct {
	Output string
	Err    error
}

// SignalFromError extracts a Signal from a tunnel start failure or any
// other error.
func SignalFromError(err error) Signal {
	if err == nil {
		return Signal{}
	}
	var se *tunnel.StartError
	if errors.As(err, &se) {
		sig := Signal{ExitCode: se.ExitCode, Stderr: se.Stderr}
		if sig.Stderr == "" && se.Err != nil {
			sig.Stderr = se.Err.Error()
		}
		return sig
	}
	return Signal{ExitCode: -1, Stderr: err.Error()}
}
