package ctl

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string         `json:"name"`
	State         string         `json:"state"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Jobs          map[string]int `json:"jobs"`
	ActiveJobs    int            `json:"active_jobs"`
	MaxJobs       int            `json:"max_jobs"`
	WSClients     int            `json:"ws_clients"`
	DefaultUnits  string         `json:"default_units"`
	ConfigPath    string         `json:"config_path,omitempty"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	states := make([]string, 0, len(s.Jobs))
	for state := range s.Jobs {
		states = append(states, state)
	}
	sort.Strings(states)
	var counts []string
	for _, state := range states {
		counts = append(counts, fmt.Sprintf("%s %d", stateStyle(state).Render(state), s.Jobs[state]))
	}
	if len(counts) == 0 {
		counts = append(counts, dimStyle.Render("none"))
	}

	section("PULSE ENGINE STATUS")
	row("Daemon:", s.Name)
	row("State:", stateStyle(s.State).Render(s.State))
	row("Uptime:", formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	row("Jobs:", strings.Join(counts, ", "))
	row("Capacity:", fmt.Sprintf("%d active / %d max", s.ActiveJobs, s.MaxJobs))
	row("Watchers:", fmt.Sprint(s.WSClients))
	if s.ConfigPath != "" {
		row("Config:", s.ConfigPath)
	}
	row("Host:", baseURL)
	fmt.Fprintln(out)
	return nil
}
