package ctl

import (
	"fmt"
	"strings"
)

// Health checks daemon liveness via GET /healthz.
func Health(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	status, _, err := getRaw(baseURL, "/healthz")
	if err != nil {
		if jsonOutput {
			return printJSON(map[string]any{"healthy": false, "url": baseURL, "error": err.Error()})
		}
		return err
	}

	healthy := status == 200
	if jsonOutput {
		return printJSON(map[string]any{"healthy": healthy, "url": baseURL})
	}

	fmt.Fprintln(out)
	if healthy {
		fmt.Fprintf(out, "  %s  pulsed is reachable at %s\n", okStyle.Render("HEALTHY"), dimStyle.Render(baseURL))
	} else {
		fmt.Fprintf(out, "  %s  pulsed returned HTTP %d at %s\n", errStyle.Render("UNHEALTHY"), status, dimStyle.Render(baseURL))
	}
	fmt.Fprintln(out)
	return nil
}
