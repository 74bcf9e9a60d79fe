package doctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perfectssh/perfectssh/internal/failure"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
	"github.com/perfectssh/perfectssh/internal/remote"
)

// DefaultStepTimeout bounds each remote command of a repair.
const DefaultStepTimeout = 20 * time.Second

// SymptomProbe re-checks the symptom that triggered diagnosis, for example
// by attempting the forwarding check again.
type SymptomProbe func(ctx context.Context, chain profile.Chain) error

// symptomStep is the record name of the injected probe.
const symptomStep = "symptom-probe"

// StepRecord is the log of one executed step.
type StepRecord struct {
	Phase     Phase         `json:"phase"`
	Step      string        `json:"step"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	OK        bool          `json:"ok"`
}

// Result summarises a repair run.
type Result struct {
	Records []StepRecord
	// Verified is set only when the Verification phase, including the
	// symptom probe, passed.
	Verified    bool
	FailedPhase *Phase
}

// Repairer executes repair plans on the remote host.
type Repairer struct {
	exec    remote.Executor
	probe   SymptomProbe
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
	// onStep observes every record as it is produced.
	onStep func(StepRecord)
}

// NewRepairer creates a repairer. probe may be nil, in which case the
// Verification phase relies on its checks alone.
func NewRepairer(exec remote.Executor, probe SymptomProbe, timeout time.Duration) *Repairer {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Repairer{
		exec:    exec,
		probe:   probe,
		timeout: timeout,
		now:     time.Now,
		log:     logging.Component("repair"),
	}
}

// OnStep registers a callback invoked after every executed step.
func (r *Repairer) OnStep(fn func(StepRecord)) {
	r.onStep = fn
}

// Run executes plan against chain.Target(). Phases run in order and steps run
// sequentially; the first step whose command or postcondition fails aborts
// the run with a failure.KindRepairStep error. A cancelled ctx aborts with
// ctx.Err() and no further steps run. onPhase, if set, is called as each
// phase begins.
func (r *Repairer) Run(ctx context.Context, plan *Plan, chain profile.Chain, onPhase func(Phase)) (*Result, error) {
	result := &Result{}
	if plan == nil {
		return result, errors.New("no repair plan")
	}

	verified := false
	for _, ph := range plan.Phases {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if onPhase != nil {
			onPhase(ph.Phase)
		}
		r.log.Info("Repair phase started", "phase", ph.Phase.String(), "steps", len(ph.Steps))

		for _, step := range ph.Steps {
			if err := r.runStep(ctx, chain, step, result); err != nil {
				return r.fail(ctx, result, ph.Phase, err)
			}
		}

		if ph.Phase == PhaseVerification {
			if err := r.runProbe(ctx, chain, result); err != nil {
				return r.fail(ctx, result, ph.Phase, err)
			}
			verified = true
		}
	}

	if !verified {
		return result, failure.New(failure.KindRepairStep, "repair", errors.New("plan has no verification phase"))
	}
	result.Verified = true
	return result, nil
}

func (r *Repairer) fail(ctx context.Context, result *Result, phase Phase, err error) (*Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	result.FailedPhase = &phase
	return result, err
}

func (r *Repairer) runStep(ctx context.Context, chain profile.Chain, step Step, result *Result) error {
	rec := StepRecord{Phase: step.Phase, Step: step.Name, StartedAt: r.now()}

	err := r.execute(ctx, chain, step.Command, &rec)
	if err == nil {
		err = r.execute(ctx, chain, step.Check, &rec)
		if err != nil {
			err = fmt.Errorf("postcondition not met: %w", err)
		}
	}

	rec.Duration = r.now().Sub(rec.StartedAt)
	r.record(result, rec, err)
	if err != nil {
		return failure.New(failure.KindRepairStep, "repair "+step.Name, err)
	}
	return nil
}

// execute runs one command, filling rec. An empty command succeeds.
func (r *Repairer) execute(ctx context.Context, chain profile.Chain, command string, rec *StepRecord) error {
	if command == "" {
		return nil
	}
	res, err := r.exec.Execute(ctx, chain, command, r.timeout)
	if err != nil {
		return err
	}
	rec.ExitCode = res.ExitCode
	rec.Output = firstNonEmpty(res.Stderr, res.Stdout)
	if !res.OK() {
		return fmt.Errorf("exit status %d", res.ExitCode)
	}
	return nil
}

func (r *Repairer) runProbe(ctx context.Context, chain profile.Chain, result *Result) error {
	if r.probe == nil {
		return nil
	}
	rec := StepRecord{Phase: PhaseVerification, Step: symptomStep, StartedAt: r.now()}
	err := r.probe(ctx, chain)
	rec.Duration = r.now().Sub(rec.StartedAt)
	r.record(result, rec, err)
	if err != nil {
		return failure.New(failure.KindRepairStep, "verify", err)
	}
	return nil
}

func (r *Repairer) record(result *Result, rec StepRecord, err error) {
	rec.OK = err == nil
	if err != nil {
		rec.Error = err.Error()
		r.log.Error("Repair step failed",
			"phase", rec.Phase.String(), "step", rec.Step, "exit_code", rec.ExitCode, "error", err)
	} else {
		r.log.Info("Repair step succeeded", "phase", rec.Phase.String(), "step", rec.Step, "duration", rec.Duration)
	}
	result.Records = append(result.Records, rec)
	if r.onStep != nil {
		r.onStep(rec)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
