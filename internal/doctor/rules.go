package doctor

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

type source int

const (
	// sourceOutput is client output and the probe's error.
	sourceOutput source = iota
	// sourceProbe is the sshd configuration dump returned by the probe.
	sourceProbe
)

type rule struct {
	category Category
	severity Severity
	source   source
	pattern  *regexp.Regexp
	fix      string
}

const (
	fixHostKey = "The server's host key changed. Verify the new fingerprint with the server administrator, " +
		"remove the stale entry with ssh-keygen -R <host> and reconnect."
	fixAuth       = "Check the username and the password or key configured for this hop."
	fixAuthLocked = "The account is locked or this IP is banned (for example by fail2ban). " +
		"Unban it from the server console and wait before retrying."
	fixForwarding = "Set AllowTcpForwarding yes in /etc/ssh/sshd_config and restart sshd."
	fixService    = "Start the SSH service on the server (systemctl start sshd) and check that it listens on the configured port."
	fixBlocked    = "The port is unreachable. The server's IP may be blocked by a provider or firewall on the path."
	fixKeepalive  = "Set ClientAliveInterval 60 in /etc/ssh/sshd_config so idle tunnels are kept open."
	fixUnknown    = "Inspect the log output for details."
)

// rules are evaluated in order. Within a category the more severe rule comes
// first so that duplicate evidence keeps the higher severity.
var rules = []rule{
	{CategorySecurityHostKey, SeverityHigh, sourceOutput,
		regexp.MustCompile(`(?i)host key verification failed|remote host identification has changed|key mismatch`), fixHostKey},
	{CategoryAuthFailure, SeverityHigh, sourceOutput,
		regexp.MustCompile(`(?i)too many authentication failures|account (is )?locked|banned|maximum authentication attempts`), fixAuthLocked},
	{CategoryAuthFailure, SeverityMedium, sourceOutput,
		regexp.MustCompile(`(?i)permission denied|unable to authenticate|authentication failed`), fixAuth},
	{CategoryConfigForwardingDisabled, SeverityHigh, sourceOutput,
		regexp.MustCompile(`(?i)administratively prohibited|channel setup failed|forwarding disabled|remote port forwarding failed`), fixForwarding},
	{CategoryConfigForwardingDisabled, SeverityHigh, sourceProbe,
		regexp.MustCompile(`(?i)^allowtcpforwarding\s+no\b`), fixForwarding},
	{CategoryServiceDown, SeverityHigh, sourceOutput,
		regexp.MustCompile(`(?i)connection refused`), fixService},
	{CategoryPortBlocked, SeverityMedium, sourceOutput,
		regexp.MustCompile(`(?i)connection timed out|i/o timeout|no route to host|network is unreachable`), fixBlocked},
	{CategoryConfigKeepalive, SeverityLow, sourceProbe,
		regexp.MustCompile(`(?i)^clientaliveinterval\s+0\b`), fixKeepalive},
}

type line struct {
	text   string
	source source
}

// Classify turns a failure signal into an ordered report. It performs no
// I/O; the same signal always yields the same report.
func Classify(sig Signal) *Report {
	lines := signalLines(sig)

	type key struct {
		category Category
		evidence string
	}
	seen := make(map[key]bool)
	var issues []Issue

	for _, r := range rules {
		for _, l := range lines {
			if r.source != l.source {
				continue
			}
			if !r.pattern.MatchString(l.text) {
				continue
			}
			k := key{r.category, l.text}
			if seen[k] {
				continue
			}
			seen[k] = true
			issues = append(issues, Issue{
				Category:  r.category,
				Severity:  r.severity,
				Evidence:  l.text,
				ManualFix: r.fix,
			})
		}
	}

	if len(issues) == 0 {
		issues = append(issues, Issue{
			Category:  CategoryUnknown,
			Severity:  SeverityMedium,
			Evidence:  unknownEvidence(sig, lines),
			ManualFix: fixUnknown,
		})
	}

	slices.SortStableFunc(issues, func(a, b Issue) int {
		if a.Severity != b.Severity {
			return int(b.Severity) - int(a.Severity)
		}
		return int(a.Category) - int(b.Category)
	})
	return &Report{Issues: issues}
}

func signalLines(sig Signal) []line {
	var lines []line
	add := func(text string, src source) {
		for _, l := range strings.Split(text, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, line{l, src})
			}
		}
	}

	add(sig.Stderr, sourceOutput)
	add(sig.Stdout, sourceOutput)
	if sig.Probe != nil {
		if sig.Probe.Err != nil {
			add(sig.Probe.Err.Error(), sourceOutput)
		}
		add(sig.Probe.Output, sourceProbe)
	}
	return lines
}

func unknownEvidence(sig Signal, lines []line) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].source == sourceOutput {
			return lines[i].text
		}
	}
	return "exit code " + strconv.Itoa(sig.ExitCode)
}
