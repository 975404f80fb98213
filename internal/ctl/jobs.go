package ctl

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/large-farva/pulse-engine/internal/jobs"
)

// SubmitOptions controls the submit command.
type SubmitOptions struct {
	Path string // mission TOML file
	Wait bool   // poll until the job finishes and print its result
	JSON bool
	Poll time.Duration
}

// Submit posts a mission file as a new job.
func Submit(baseURL string, opts SubmitOptions) error {
	doc, err := os.ReadFile(opts.Path)
	if err != nil {
		return err
	}
	var res jobs.CommandResult
	if err := post(baseURL, "/api/jobs", "application/toml", bytes.NewReader(doc), &res); err != nil {
		return err
	}
	if !opts.Wait {
		if opts.JSON {
			return printJSON(res)
		}
		fmt.Fprintf(out, "\n  %s job %s queued\n\n", okStyle.Render("OK"), boldStyle.Render(res.JobID))
		return nil
	}

	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	for {
		var j jobs.Job
		if err := getJSON(baseURL, "/api/jobs/"+url.PathEscape(res.JobID), &j); err != nil {
			return err
		}
		if j.State.Terminal() {
			return renderJob(j, opts.JSON)
		}
		time.Sleep(opts.Poll)
	}
}

// Jobs lists every job the daemon knows about.
func Jobs(baseURL string, jsonOutput bool) error {
	var list []jobs.Job
	if err := getJSON(baseURL, "/api/jobs", &list); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(list)
	}

	section("JOBS")
	if len(list) == 0 {
		fmt.Fprintln(out, dimStyle.Render("  no jobs"))
		fmt.Fprintln(out)
		return nil
	}
	fmt.Fprintf(out, "  %s\n", labelStyle.Render(fmt.Sprintf("%-16s  %-11s  %-10s  %-18s  %s", "ID", "STATE", "MODEL", "MISSION", "DUTY")))
	for _, j := range list {
		duty := dimStyle.Render("-")
		if j.Report != nil && j.Report.Feasible {
			duty = fmt.Sprintf("%.4f", j.Report.DutyFactor)
		} else if j.State == jobs.StateRunning {
			duty = dimStyle.Render(fmt.Sprintf("%.4f…", j.Progress.BestScore))
		}
		fmt.Fprintf(out, "  %-16s  %s  %-10s  %-18s  %s\n",
			j.ID,
			stateStyle(string(j.State)).Render(padRight(string(j.State), 11)),
			j.Model,
			j.Mission,
			duty,
		)
	}
	fmt.Fprintln(out)
	return nil
}

// Result prints one job with its best settings.
func Result(baseURL, id string, jsonOutput bool) error {
	var j jobs.Job
	if err := getJSON(baseURL, "/api/jobs/"+url.PathEscape(id), &j); err != nil {
		return err
	}
	return renderJob(j, jsonOutput)
}

func renderJob(j jobs.Job, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(j)
	}
	section("JOB " + j.ID)
	row("State:", stateStyle(string(j.State)).Render(string(j.State)))
	if j.Mission != "" {
		row("Mission:", j.Mission)
	}
	row("Model:", j.Model)
	row("Trials:", fmt.Sprintf("%d (%d feasible)", j.Progress.Trials, j.Progress.FeasibleTrials))
	if j.Error != "" {
		row("Error:", errStyle.Render(j.Error))
	}
	if r := j.Report; r != nil {
		row("Policy:", r.Policy)
		row("Altitude:", fmt.Sprintf("%.1f km (%s)", r.AltitudeM/1e3, r.AltitudeSource))
		row("Elapsed:", fmt.Sprintf("%.3f s on %d workers", r.ElapsedSeconds, r.Workers))
		if r.Feasible {
			row("Duty:", fmt.Sprintf("[%s] %.4f", dutyBar(r.DutyFactor, 20), r.DutyFactor))
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  %s\n", labelStyle.Render(fmt.Sprintf("%-6s  %-14s  %-14s  %-14s  %s", "OWNER", "PRI", "PULSE WIDTH", "OFFSET", "DUTY")))
			for _, s := range r.Best {
				fmt.Fprintf(out, "  %-6d  %-14s  %-14s  %-14s  %.4f\n",
					s.Owner, formatSeconds(s.PRI), formatSeconds(s.PulseWidth), formatSeconds(s.Offset), s.DutyFactor())
			}
		} else if r.Stats.LastConflict != "" {
			row("Conflict:", warnStyle.Render(r.Stats.LastConflict))
		}
	}
	fmt.Fprintln(out)
	return nil
}

// Cancel aborts a queued or running job.
func Cancel(baseURL, id string, jsonOutput bool) error {
	var res jobs.CommandResult
	if err := postJSON(baseURL, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &res); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Fprintf(out, "\n  %s %s\n\n", okStyle.Render("OK"), res.Message)
	return nil
}

// PlotOptions controls the plot command.
type PlotOptions struct {
	Units  string
	Output string // file path; empty writes to stdout
}

// Plot downloads a finished job's schedule as an xmgr plot.
func Plot(baseURL, id string, opts PlotOptions) error {
	path := "/api/jobs/" + url.PathEscape(id) + "/plot"
	if opts.Units != "" {
		path += "?units=" + url.QueryEscape(opts.Units)
	}
	status, body, err := getRaw(baseURL, path)
	if err != nil {
		return err
	}
	if status != 200 {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	if opts.Output == "" {
		_, err := out.Write(body)
		return err
	}
	if err := os.WriteFile(opts.Output, body, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n  %s wrote %s\n\n", okStyle.Render("OK"), opts.Output)
	return nil
}
