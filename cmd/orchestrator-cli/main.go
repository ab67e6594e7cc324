// Command orchestrator-cli drives a single goal through the orchestrator
// end to end against the real Anthropic transport and prints the final
// report. It is a thin assembly point, not the engine: all behavior lives
// in the orchestrator, planner, coder, tester, and supervisor packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/RealOrko/claude-looper-sub000/bus"
	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/config"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/engine"
	"github.com/RealOrko/claude-looper-sub000/engine/inmem"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/llmclient/anthropic"
	"github.com/RealOrko/claude-looper-sub000/orchestrator"
	"github.com/RealOrko/claude-looper-sub000/planner"
	"github.com/RealOrko/claude-looper-sub000/supervisor"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
	"github.com/RealOrko/claude-looper-sub000/tester"
)

func main() {
	var (
		goalF       = flag.String("goal", "", "goal to drive to completion (required)")
		configF     = flag.String("config", "", "path to a YAML config file overlaying the defaults (optional)")
		workdirF    = flag.String("dir", ".", "project directory the tester probes and runs commands in")
		baseURLF    = flag.String("base-url", "", "override the Anthropic API base URL (optional)")
		callTimeout = flag.Duration("call-timeout", 2*time.Minute, "per-call timeout for the model transport")
		dbgF        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *goalF == "" {
		fmt.Fprintln(os.Stderr, "orchestrator-cli: -goal is required")
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "failed to load config, using defaults"})
		} else {
			cfg = loaded
		}
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "orchestrator-cli: ANTHROPIC_API_KEY must be set")
		os.Exit(2)
	}

	logger := telemetry.NewClueLogger()
	transport := anthropic.New(apiKey, *baseURLF, *callTimeout)

	llm := func() *llmclient.Client {
		return llmclient.New(transport, llmclient.WithLogger(logger), llmclient.WithRateLimit(60000, 200000))
	}

	p := planner.New(llm(), logger)
	c := coder.New(llm(), logger)
	t := tester.New(llm(), logger, tester.WithWorkingDir(*workdirF))
	s := supervisor.New(llm(), logger,
		supervisor.WithThresholds(cfg.SupervisorOptions()),
		supervisor.WithQualityThresholds(cfg.QualityOptions()),
	)

	b := bus.New(logger)
	b.Register(domain.RolePlanner, p)
	b.Register(domain.RoleCoder, c)
	b.Register(domain.RoleTester, t)
	b.Register(domain.RoleSupervisor, s)

	o := orchestrator.New(b, p, c, t, s, cfg, logger)
	o.Probe = tester.FSProbe{Dir: *workdirF}
	o.Initialize(*goalF)

	var eng engine.Engine = inmem.New(logger)
	if err := orchestrator.RegisterWithEngine(ctx, eng); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator-cli: engine registration failed: %v\n", err)
		os.Exit(1)
	}

	report, err := orchestrator.RunOnEngine(ctx, eng, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator-cli: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("status:        %s\n", report.Status)
	fmt.Printf("goal:          %s\n", report.Goal)
	fmt.Printf("elapsed:       %s\n", report.Elapsed)
	fmt.Printf("iterations:    %d\n", report.Iterations)
	fmt.Printf("plan progress: %s (depth %d, %d revisions)\n", report.PlanProgress, report.PlanDepth, report.PlanRevisions)
	fmt.Printf("workflow:      %s\n", report.WorkflowPhase)
	fmt.Printf("metrics:       completed=%d failed=%d fix_cycles=%d replans=%d verified=%d/%d\n",
		report.Metrics.CompletedSteps, report.Metrics.FailedSteps, report.Metrics.FixCycles, report.Metrics.ReplanCount,
		report.Metrics.VerificationsPassed, report.Metrics.VerificationsPassed+report.Metrics.VerificationsFailed)
	fmt.Printf("bus:           pending=%d history=%d\n", report.MessageBusStats.PendingCount, report.MessageBusStats.HistorySize)

	if report.Status != domain.RunCompleted {
		os.Exit(1)
	}
}
