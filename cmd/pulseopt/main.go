// Pulseopt is the batch pulse-timing optimizer. It loads a mission file,
// searches the configured timing space for the highest duty factor, prints
// the winning settings and writes the schedule as an xmgr plot.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/large-farva/pulse-engine/internal/config"
	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/observability"
	"github.com/large-farva/pulse-engine/internal/planner"
	"github.com/large-farva/pulse-engine/internal/pulse"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = pflag.StringP("config", "c", "", "Path to mission TOML (required)")
		output     = pflag.StringP("output", "o", "", "Plot output path (default: export.path from the mission)")
		units      = pflag.String("units", "", "Plot time units: s, ms or us (default: export.units)")
		workers    = pflag.IntP("workers", "w", -1, "Search workers; 0 = one per CPU (default: search.workers)")
		policy     = pflag.String("policy", "", "Overlap policy: transmit_echo, symmetric or symmetric_nadir")
		jsonOut    = pflag.Bool("json", false, "Print the result report as JSON")
	)
	pflag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "pulseopt: --config is required")
		pflag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulseopt: config load failed: %v\n", err)
		return 2
	}
	if *workers >= 0 {
		cfg.Search.Workers = *workers
	}
	if *policy != "" {
		cfg.Search.Policy = *policy
	}
	if *units != "" {
		cfg.Export.Units = *units
	}
	if *output != "" {
		cfg.Export.Path = *output
	}

	log := logging.New(logging.FromEnv(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingFromConfig(cfg.Tracing, "pulseopt"), log)
	if err != nil {
		log.Error(ctx, "tracing init failed", logging.Err(err))
		return 1
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	plan, err := planner.Build(cfg, planner.Options{Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulseopt: %v\n", err)
		return 2
	}

	rep, err := plan.Optimize(ctx)
	if *jsonOut {
		b, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(b))
	}
	if err != nil {
		if errors.Is(err, planner.ErrInfeasible) {
			fmt.Fprintf(os.Stderr, "pulseopt: no feasible timing after %d combinations: %v\n", rep.Stats.Combinations, err)
		} else {
			fmt.Fprintf(os.Stderr, "pulseopt: %v\n", err)
		}
		return 1
	}
	if !*jsonOut {
		printReport(rep)
	}

	if cfg.Export.Path != "" {
		if err := plan.Export(cfg.Export.Path, rep.Best, plan.Units); err != nil {
			fmt.Fprintf(os.Stderr, "pulseopt: export failed: %v\n", err)
			return 1
		}
		log.Info(ctx, "schedule written", logging.String("path", cfg.Export.Path), logging.String("units", string(plan.Units)))
	}
	return 0
}

func printReport(rep planner.Report) {
	fmt.Printf("mission      %s (%s)\n", rep.Mission, rep.Model)
	fmt.Printf("policy       %s\n", rep.Policy)
	fmt.Printf("altitude     %.1f km (%s)\n", rep.AltitudeM/1e3, rep.AltitudeSource)
	fmt.Printf("combinations %d (%d feasible)\n", rep.Stats.Combinations, rep.Stats.FeasibleTrials)
	fmt.Printf("duty factor  %.6f\n\n", rep.DutyFactor)
	fmt.Printf("%-6s %14s %14s %14s %10s\n", "owner", "pri_us", "width_us", "offset_us", "duty")
	scale := pulse.Microseconds.Scale()
	for _, s := range rep.Best {
		fmt.Printf("%-6d %14.3f %14.3f %14.3f %10.6f\n", s.Owner, s.PRI*scale, s.PulseWidth*scale, s.Offset*scale, s.DutyFactor())
	}
}
