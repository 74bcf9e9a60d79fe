package doctor

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/perfectssh/perfectssh/internal/profile"
)

// Phase is an ordered group of repair steps.
type Phase int

const (
	PhaseNetwork Phase = iota
	PhaseSSHService
	PhaseSecurity
	PhasePerformance
	PhaseVerification
)

var phaseNames = [...]string{
	PhaseNetwork:      "Network",
	PhaseSSHService:   "SSHService",
	PhaseSecurity:     "Security",
	PhasePerformance:  "Performance",
	PhaseVerification: "Verification",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Target is the data step templates are rendered with.
type Target struct {
	SSHPort int
	// Sudo is "sudo -n " for non-root users.
	Sudo string
}

// TargetFor derives the template data for the host p.
func TargetFor(p profile.ServerProfile) Target {
	t := Target{SSHPort: p.Port}
	if t.SSHPort == 0 {
		t.SSHPort = profile.DefaultSSHPort
	}
	if p.User != "root" {
		t.Sudo = "sudo -n "
	}
	return t
}

// Step is one idempotent repair action. Command may be empty for steps that
// only assert a postcondition. Check must exit 0 once the step has taken
// effect.
type Step struct {
	Name    string
	Phase   Phase
	Command string
	Check   string
}

// Plan is an ordered list of phases ready to execute.
type Plan struct {
	Target Target
	Phases []PlanPhase
}

// PlanPhase is one phase of a plan with its steps in execution order.
type PlanPhase struct {
	Phase Phase
	Steps []Step
}

// StepCount returns the number of steps across all phases.
func (p *Plan) StepCount() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Steps)
	}
	return n
}

type stepTemplate struct {
	name    string
	phase   Phase
	command *template.Template
	check   *template.Template
	fixes   []Category
}

func tmpl(name, text string) *template.Template {
	if text == "" {
		return nil
	}
	return template.Must(template.New(name).Parse(text))
}

const sshdConfig = "/etc/ssh/sshd_config"

func setSSHDOption(key, value string) string {
	return `{{.Sudo}}sed -i -E 's/^#?[[:space:]]*` + key + `[[:space:]].*/` + key + ` ` + value + `/' ` + sshdConfig +
		` && ({{.Sudo}}grep -qE '^` + key + ` ` + value + `$' ` + sshdConfig +
		` || echo '` + key + ` ` + value + `' | {{.Sudo}}tee -a ` + sshdConfig + ` >/dev/null)`
}

func hasSSHDOption(key, value string) string {
	return `{{.Sudo}}grep -qE '^` + key + ` ` + value + `$' ` + sshdConfig
}

const sshdActive = `systemctl is-active --quiet sshd 2>/dev/null || systemctl is-active --quiet ssh 2>/dev/null || pgrep -x sshd >/dev/null`

var (
	fixAllService = []Category{CategoryConfigForwardingDisabled, CategoryServiceDown, CategoryConfigKeepalive}
	fixTuning     = []Category{CategoryConfigForwardingDisabled, CategoryConfigKeepalive}
)

// catalog lists every step in execution order.
var catalog = []stepTemplate{
	{
		name:  "allow-ssh-port",
		phase: PhaseNetwork,
		command: tmpl("allow-ssh-port", `if command -v ufw >/dev/null 2>&1 && {{.Sudo}}ufw status | grep -q 'Status: active'; then {{.Sudo}}ufw allow {{.SSHPort}}/tcp; fi; `+
			`if command -v iptables >/dev/null 2>&1; then {{.Sudo}}iptables -C INPUT -p tcp --dport {{.SSHPort}} -j ACCEPT 2>/dev/null || {{.Sudo}}iptables -I INPUT -p tcp --dport {{.SSHPort}} -j ACCEPT; fi`),
		check: tmpl("allow-ssh-port-check", `! command -v iptables >/dev/null 2>&1 || {{.Sudo}}iptables -C INPUT -p tcp --dport {{.SSHPort}} -j ACCEPT`),
		fixes: []Category{CategoryConfigForwardingDisabled, CategoryServiceDown},
	},
	{
		name:    "enable-tcp-forwarding",
		phase:   PhaseSSHService,
		command: tmpl("enable-tcp-forwarding", setSSHDOption("AllowTcpForwarding", "yes")),
		check:   tmpl("enable-tcp-forwarding-check", hasSSHDOption("AllowTcpForwarding", "yes")),
		fixes:   []Category{CategoryConfigForwardingDisabled},
	},
	{
		name:    "set-client-alive-interval",
		phase:   PhaseSSHService,
		command: tmpl("set-client-alive-interval", setSSHDOption("ClientAliveInterval", "60")),
		check:   tmpl("set-client-alive-interval-check", hasSSHDOption("ClientAliveInterval", "60")),
		fixes:   fixTuning,
	},
	{
		name:  "validate-sshd-config",
		phase: PhaseSSHService,
		check: tmpl("validate-sshd-config-check", `{{.Sudo}}sshd -t`),
		fixes: fixAllService,
	},
	{
		name:    "restart-sshd",
		phase:   PhaseSSHService,
		command: tmpl("restart-sshd", `if command -v systemctl >/dev/null 2>&1; then {{.Sudo}}systemctl reload-or-restart sshd 2>/dev/null || {{.Sudo}}systemctl reload-or-restart ssh; else {{.Sudo}}service ssh restart; fi`),
		check:   tmpl("restart-sshd-check", sshdActive),
		fixes:   fixAllService,
	},
	{
		name:    "restrict-sshd-config",
		phase:   PhaseSecurity,
		command: tmpl("restrict-sshd-config", `{{.Sudo}}chmod 600 `+sshdConfig),
		check:   tmpl("restrict-sshd-config-check", `[ "$({{.Sudo}}stat -c %a `+sshdConfig+`)" = 600 ]`),
		fixes:   fixAllService,
	},
	{
		name:  "enable-bbr",
		phase: PhasePerformance,
		command: tmpl("enable-bbr", `grep -qx 'net.ipv4.tcp_congestion_control=bbr' /etc/sysctl.conf || `+
			`printf 'net.core.default_qdisc=fq\nnet.ipv4.tcp_congestion_control=bbr\n' | {{.Sudo}}tee -a /etc/sysctl.conf >/dev/null; {{.Sudo}}sysctl -p >/dev/null 2>&1 || true`),
		check: tmpl("enable-bbr-check", `grep -qx 'net.ipv4.tcp_congestion_control=bbr' /etc/sysctl.conf`),
		fixes: fixTuning,
	},
	{
		name:  "verify-sshd-active",
		phase: PhaseVerification,
		check: tmpl("verify-sshd-active-check", sshdActive),
		fixes: fixAllService,
	},
	{
		name:  "verify-tcp-forwarding",
		phase: PhaseVerification,
		check: tmpl("verify-tcp-forwarding-check", `{{.Sudo}}sshd -T 2>/dev/null | grep -qi '^allowtcpforwarding yes'`),
		fixes: []Category{CategoryConfigForwardingDisabled},
	},
}

// BuildPlan maps the report's auto-fixable issues to steps grouped in phase
// order. It returns nil when nothing can be repaired automatically or when
// the report contains an issue that requires user confirmation. Every plan
// ends with a Verification phase.
func BuildPlan(report *Report, target Target) (*Plan, error) {
	if len(report.Blocking()) > 0 {
		return nil, nil
	}
	wanted := make(map[Category]bool)
	for _, issue := range report.Fixable() {
		wanted[issue.Category] = true
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	plan := &Plan{Target: target}
	byPhase := make(map[Phase][]Step)
	for _, st := range catalog {
		if !addresses(st, wanted) {
			continue
		}
		step := Step{Name: st.name, Phase: st.phase}
		var err error
		if step.Command, err = render(st.command, target); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", st.name, err)
		}
		if step.Check, err = render(st.check, target); err != nil {
			return nil, fmt.Errorf("failed to render %s check: %w", st.name, err)
		}
		byPhase[st.phase] = append(byPhase[st.phase], step)
	}

	for phase := PhaseNetwork; phase <= PhaseVerification; phase++ {
		steps := byPhase[phase]
		if len(steps) == 0 && phase != PhaseVerification {
			continue
		}
		plan.Phases = append(plan.Phases, PlanPhase{Phase: phase, Steps: steps})
	}
	return plan, nil
}

func addresses(st stepTemplate, wanted map[Category]bool) bool {
	for _, c := range st.fixes {
		if wanted[c] {
			return true
		}
	}
	return false
}

func render(t *template.Template, target Target) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, target); err != nil {
		return "", err
	}
	return buf.String(), nil
}
