package tunnel

import (
	"regexp"
	"strings"
)

// EventType represents the type of event parsed from ssh client output.
type EventType string

const (
	// EventAuthenticated indicates the client authenticated to a hop.
	EventAuthenticated EventType = "authenticated"
	// EventAuthFailed indicates the server rejected the credentials.
	EventAuthFailed EventType = "auth_failed"
	// EventHostKey indicates host key verification failed.
	EventHostKey EventType = "host_key"
	// EventForwardFailed indicates the server refused a forwarded channel.
	EventForwardFailed EventType = "forward_failed"
	// EventRefused indicates the TCP connection was refused.
	EventRefused EventType = "refused"
	// EventTimeout indicates the TCP connection timed out.
	EventTimeout EventType = "timeout"
	// EventDisconnected indicates the connection was closed.
	EventDisconnected EventType = "disconnected"
	// EventBindFailed indicates the local forwarding port could not be bound.
	EventBindFailed EventType = "bind_failed"
	// EventError is any other line the client reported as an error.
	EventError EventType = "error"
)

// OutputEvent represents a parsed line of ssh client output.
type OutputEvent struct {
	Type    EventType
	Message string
	Data    map[string]string
}

// GetData retrieves a data value by key, returning empty string if not found.
func (e *OutputEvent) GetData(key string) string {
	if e.Data == nil {
		return ""
	}
	return e.Data[key]
}

var (
	// Matches: Authenticated to 203.0.113.7 ([203.0.113.7]:22) using "password".
	authenticatedPattern = regexp.MustCompile(`Authenticated to (\S+)`)

	// Matches: root@203.0.113.7: Permission denied (publickey,password).
	authFailedPattern = regexp.MustCompile(`(?i)permission denied|too many authentication failures`)

	hostKeyPattern = regexp.MustCompile(`(?i)host key verification failed|remote host identification has changed`)

	// Matches: channel 2: open failed: administratively prohibited: open failed
	forwardFailedPattern = regexp.MustCompile(`(?i)channel \d+: open failed: (.+)|administratively prohibited|forwarding failed`)

	// Matches: ssh: connect to host 203.0.113.7 port 22: Connection refused
	connectErrorPattern = regexp.MustCompile(`connect to host (\S+) port (\d+): (.+)`)

	// Matches: Connection to 203.0.113.7 closed by remote host.
	disconnectedPattern = regexp.MustCompile(`(?i)connection to \S+ closed|connection closed by|client_loop: send disconnect|broken pipe`)

	// Matches: bind [127.0.0.1]:1080: Address already in use
	bindFailedPattern = regexp.MustCompile(`(?i)bind \S+: address already in use|could not request local forwarding`)

	errorPattern = regexp.MustCompile(`(?i)^(ssh: |error: |fatal: )(.+)`)
)

// ParseLine parses a single line of ssh stderr and returns an event if
// recognized. Returns nil otherwise.
func ParseLine(line string) *OutputEvent {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if hostKeyPattern.MatchString(trimmed) {
		return &OutputEvent{Type: EventHostKey, Message: trimmed}
	}

	if authFailedPattern.MatchString(trimmed) {
		return &OutputEvent{Type: EventAuthFailed, Message: trimmed}
	}

	if matches := authenticatedPattern.FindStringSubmatch(trimmed); matches != nil {
		return &OutputEvent{
			Type:    EventAuthenticated,
			Message: trimmed,
			Data:    map[string]string{"host": matches[1]},
		}
	}

	if bindFailedPattern.MatchString(trimmed) {
		return &OutputEvent{Type: EventBindFailed, Message: trimmed}
	}

	if matches := forwardFailedPattern.FindStringSubmatch(trimmed); matches != nil {
		ev := &OutputEvent{Type: EventForwardFailed, Message: trimmed}
		if matches[1] != "" {
			ev.Data = map[string]string{"reason": matches[1]}
		}
		return ev
	}

	if matches := connectErrorPattern.FindStringSubmatch(trimmed); matches != nil {
		data := map[string]string{"host": matches[1], "port": matches[2], "reason": matches[3]}
		reason := strings.ToLower(matches[3])
		switch {
		case strings.Contains(reason, "refused"):
			return &OutputEvent{Type: EventRefused, Message: trimmed, Data: data}
		case strings.Contains(reason, "timed out"):
			return &OutputEvent{Type: EventTimeout, Message: trimmed, Data: data}
		default:
			return &OutputEvent{Type: EventError, Message: trimmed, Data: data}
		}
	}

	if disconnectedPattern.MatchString(trimmed) {
		return &OutputEvent{Type: EventDisconnected, Message: trimmed}
	}

	if matches := errorPattern.FindStringSubmatch(trimmed); matches != nil {
		return &OutputEvent{Type: EventError, Message: strings.TrimSpace(matches[2])}
	}

	return nil
}
