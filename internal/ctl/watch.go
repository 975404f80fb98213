package ctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // event types to show (empty = all)
	Job    string   // only this job's events (plus daemon-wide ones)
	JSON   bool     // output raw JSON per event
}

// wsURL turns the daemon base URL into its /ws endpoint.
func wsURL(baseURL, job string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	if job != "" {
		u.RawQuery = url.Values{"job": {job}}.Encode()
	}
	return u.String(), nil
}

// Watch connects to the daemon's WebSocket endpoint and streams events to
// the terminal in a human-readable format until interrupted.
func Watch(baseURL string, opts WatchOptions) error {
	target, err := wsURL(baseURL, opts.Job)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.JSON {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  %s %s\n", okStyle.Render("connected"), dimStyle.Render(target))
		if len(opts.Filter) > 0 {
			fmt.Fprintf(out, "  %s %s\n", dimStyle.Render("filter:"), dimStyle.Render(strings.Join(opts.Filter, ", ")))
		}
		fmt.Fprintln(out, dimStyle.Render("  "+strings.Repeat("─", 50)))
		fmt.Fprintln(out)
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if len(filterSet) > 0 {
				var ev struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(msg, &ev); err == nil && !filterSet[ev.Type] {
					continue
				}
			}
			if opts.JSON {
				fmt.Fprintln(out, string(msg))
			} else {
				renderEvent(msg)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		if !opts.JSON {
			fmt.Fprintln(out)
			fmt.Fprintln(out, dimStyle.Render("  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(1*time.Second),
		)
		return nil
	case <-done:
		return nil
	}
}

// renderEvent parses a JSON event and prints it in a human-friendly format.
// Falls back to raw JSON for unrecognized event types.
func renderEvent(raw []byte) {
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		fmt.Fprintf(out, "  %s\n", string(raw))
		return
	}

	evType, _ := ev["type"].(string)
	ts := dimStyle.Render(formatEventTime(ev))
	job, _ := ev["job_id"].(string)

	switch evType {
	case "heartbeat":
		state, _ := ev["state"].(string)
		uptime, _ := ev["uptime_seconds"].(float64)
		active, _ := ev["active_jobs"].(float64)
		fmt.Fprintf(out, "  %s %s  %s  up %s  %s\n",
			ts,
			dimStyle.Render("heartbeat"),
			stateStyle(state).Render(state),
			dimStyle.Render(formatDuration(time.Duration(uptime)*time.Second)),
			dimStyle.Render(fmt.Sprintf("%d active", int(active))),
		)

	case "state":
		from, _ := ev["from"].(string)
		to, _ := ev["to"].(string)
		fmt.Fprintf(out, "  %s %s  %s %s %s\n",
			ts,
			boldStyle.Render("STATE"),
			stateStyle(from).Render(from),
			dimStyle.Render("->"),
			stateStyle(to).Render(to),
		)

	case "log":
		level, _ := ev["level"].(string)
		message, _ := ev["message"].(string)
		component, _ := ev["component"].(string)
		src := ""
		if component != "" {
			src = dimStyle.Render("["+component+"]") + " "
		}
		fmt.Fprintf(out, "  %s %s  %s%s\n", ts, formatLogLevel(level), src, message)

	case "progress":
		trials, _ := ev["trials"].(float64)
		feasible, _ := ev["feasible_trials"].(float64)
		duty, _ := ev["best_duty_factor"].(float64)
		fmt.Fprintf(out, "  %s %s  %s  [%s] %.4f  %s\n",
			ts,
			accentStyle.Render(padRight("progress", 9)),
			dimStyle.Render(job),
			dutyBar(duty, 20),
			duty,
			dimStyle.Render(fmt.Sprintf("%d trials, %d feasible", int(trials), int(feasible))),
		)

	case "job":
		state, _ := ev["state"].(string)
		mission, _ := ev["mission"].(string)
		duty, _ := ev["duty_factor"].(float64)
		errMsg, _ := ev["error"].(string)
		detail := mission
		switch {
		case errMsg != "":
			detail = errStyle.Render(errMsg)
		case state == "done":
			detail = fmt.Sprintf("%s duty %.4f", mission, duty)
		}
		fmt.Fprintf(out, "  %s %s  %s  %s  %s\n",
			ts,
			boldStyle.Render(padRight("JOB", 9)),
			job,
			stateStyle(state).Render(padRight(state, 10)),
			detail,
		)

	default:
		// Unknown event type: dump as indented JSON so nothing is lost.
		pretty, err := json.MarshalIndent(ev, "  ", "  ")
		if err != nil {
			fmt.Fprintf(out, "  %s\n", string(raw))
			return
		}
		fmt.Fprintf(out, "  %s\n", string(pretty))
	}
}

// formatEventTime extracts and shortens the timestamp from an event.
func formatEventTime(ev map[string]any) string {
	tsRaw, ok := ev["ts"].(string)
	if !ok {
		return "        "
	}
	t, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return tsRaw[:min(len(tsRaw), 10)]
	}
	return t.Local().Format("15:04:05")
}

// formatLogLevel returns a colored, fixed-width log level label.
func formatLogLevel(level string) string {
	switch level {
	case "info":
		return okStyle.Render("INFO ")
	case "warn":
		return warnStyle.Render("WARN ")
	case "error":
		return errStyle.Render("ERROR")
	default:
		return padRight(level, 5)
	}
}
