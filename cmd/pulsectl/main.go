// Pulsectl is the command-line client for submitting missions to and
// monitoring a running pulsed instance over HTTP and WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/large-farva/pulse-engine/internal/ctl"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", "http://127.0.0.1:8080", "Pulse daemon URL (e.g. http://192.168.8.1:8080)")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --wait are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "health":
		err = ctl.Health(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "jobs":
		err = ctl.Jobs(*host, *jsonOut)

	case "result":
		err = ctl.Result(*host, needArg(cmd, subArgs), *jsonOut)

	// ── Control commands ──────────────────────────────────────────
	case "submit":
		opts := ctl.SubmitOptions{JSON: *jsonOut}
		submitFlags := pflag.NewFlagSet("submit", pflag.ExitOnError)
		submitFlags.BoolVar(&opts.Wait, "wait", false, "Wait for the job to finish and print its result")
		_ = submitFlags.Parse(subArgs)
		opts.Path = needArg(cmd, submitFlags.Args())
		err = ctl.Submit(*host, opts)

	case "cancel":
		err = ctl.Cancel(*host, needArg(cmd, subArgs), *jsonOut)

	case "plot":
		var opts ctl.PlotOptions
		plotFlags := pflag.NewFlagSet("plot", pflag.ExitOnError)
		plotFlags.StringVar(&opts.Units, "units", "", "Time units: s, ms or us (default: daemon export.units)")
		plotFlags.StringVarP(&opts.Output, "output", "o", "", "Write to a file instead of stdout")
		_ = plotFlags.Parse(subArgs)
		err = ctl.Plot(*host, needArg(cmd, plotFlags.Args()), opts)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		opts := ctl.WatchOptions{JSON: *jsonOut}
		watchFlags := pflag.NewFlagSet("watch", pflag.ExitOnError)
		watchFlags.StringVar(&opts.Job, "job", "", "Only show events for this job")
		watchFlags.StringSliceVar(&opts.Filter, "filter", nil, "Event types to show (e.g. --filter job,progress)")
		_ = watchFlags.Parse(subArgs)
		err = ctl.Watch(*host, opts)

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// needArg returns the first positional argument or exits with usage.
func needArg(cmd string, args []string) string {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "pulsectl %s: missing argument\n", cmd)
		os.Exit(2)
	}
	return args[0]
}

func usage() {
	fmt.Print(`
  pulsectl: Pulse Engine control CLI

  USAGE
    pulsectl [flags] <command> [command-flags] [args]

  COMMANDS (query)
    status            Show daemon state, uptime, and job counts
    health            Check daemon liveness
    version           Show CLI and daemon version information
    jobs              List submitted jobs
    result <id>       Show a job's report and best settings

  COMMANDS (control)
    submit <file>     Submit a mission TOML as a new job
    cancel <id>       Cancel a queued or running job
    plot <id>         Download a finished job's xmgr plot

  COMMANDS (live)
    watch             Stream live events from the daemon (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: http://127.0.0.1:8080)
        --json          Output raw JSON instead of formatted text

  COMMAND FLAGS
    submit:
        --wait              Wait for the job and print its result
    plot:
        --units UNITS       s, ms or us
    -o, --output PATH       Write to a file instead of stdout
    watch:
        --job ID            Only this job's events
        --filter TYPE       Event types to show (comma-separated)

  EXAMPLES
    pulsectl status
    pulsectl submit configs/scanning.example.toml --wait
    pulsectl --json jobs
    pulsectl plot 3f9c2a1b7d4e5f60 --units us -o scan.xmgr
    pulsectl watch --job 3f9c2a1b7d4e5f60 --filter job,progress

`)
}
