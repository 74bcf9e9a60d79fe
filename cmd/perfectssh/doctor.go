package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perfectssh/perfectssh/internal/connection"
	"github.com/perfectssh/perfectssh/internal/doctor"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/profile"
)

// runDoctor checks that the target can carry forwarded traffic and, when it
// cannot, classifies the failure. With -repair the plan is executed.
func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	configPath := fs.String("config", defaultTunnelFile(), "Path to the tunnel configuration")
	repair := fs.Bool("repair", false, "Run the repair plan for auto-fixable issues")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configInvalid := connection.OutcomeConfigInvalid.ExitCode()

	settings, err := common.load()
	if err != nil {
		return fail(configInvalid, "%v", err)
	}
	_, closeLog, err := common.setupLogging(settings, logging.FormatText)
	if err != nil {
		return fail(1, "%v", err)
	}
	defer closeLog()

	cfg, err := profile.LoadFile(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return fail(configInvalid, "invalid tunnel configuration: %v", err)
	}

	st, err := newStack(settings)
	if err != nil {
		return fail(configInvalid, "%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return diagnose(ctx, os.Stdout, st, cfg.Chain(), *repair)
}

func diagnose(ctx context.Context, w io.Writer, st *stack, chain profile.Chain, repair bool) int {
	fmt.Fprintf(w, "Checking %s\n", chain)

	probeErr := st.launcher.Probe(ctx, chain)
	if probeErr == nil {
		fmt.Fprintln(w, "Forwarding works; nothing to repair.")
		return connection.OutcomeSuccess.ExitCode()
	}
	if ctx.Err() != nil {
		return connection.OutcomeUserCancelled.ExitCode()
	}
	fmt.Fprintf(w, "Forwarding check failed: %v\n", probeErr)

	report := st.engine.Diagnose(ctx, chain, doctor.SignalFromError(probeErr))
	printReport(w, report)

	manualFix := connection.OutcomeManualFixRequired.ExitCode()
	if len(report.Blocking()) > 0 {
		fmt.Fprintln(w, "An issue needs your confirmation; no automatic repair is possible.")
		return manualFix
	}
	plan, err := doctor.BuildPlan(report, doctor.TargetFor(chain.Target()))
	if err != nil {
		fmt.Fprintf(w, "Failed to build repair plan: %v\n", err)
		return manualFix
	}
	if plan == nil {
		fmt.Fprintln(w, "No automatic repair is available.")
		return manualFix
	}

	printPlan(w, plan)
	if !repair {
		fmt.Fprintln(w, "Run again with -repair to apply this plan.")
		return manualFix
	}

	st.repairer.OnStep(func(rec doctor.StepRecord) {
		status := "ok"
		if !rec.OK {
			status = "FAILED"
		}
		fmt.Fprintf(w, "  [%s] %s: %s (%s)\n", rec.Phase, rec.Step, status, rec.Duration.Round(time.Millisecond))
	})
	result, err := st.repairer.Run(ctx, plan, chain, func(p doctor.Phase) {
		fmt.Fprintf(w, "Phase %s\n", p)
	})
	if err != nil || result == nil || !result.Verified {
		if err != nil {
			fmt.Fprintf(w, "Repair failed: %v\n", err)
		}
		if fix := report.ManualFix(); fix != "" {
			fmt.Fprintf(w, "Manual fix: %s\n", fix)
		}
		return manualFix
	}

	fmt.Fprintln(w, "Repair verified.")
	return connection.OutcomeSuccess.ExitCode()
}

func printPlan(w io.Writer, plan *doctor.Plan) {
	fmt.Fprintf(w, "Repair plan (%d steps):\n", plan.StepCount())
	for _, phase := range plan.Phases {
		fmt.Fprintf(w, "  %s\n", phase.Phase)
		for _, step := range phase.Steps {
			fmt.Fprintf(w, "    %s\n", step.Name)
		}
	}
}
