package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type probePayload struct {
	ProbeID string     `json:"probe_id"`
	Kind    string     `json:"kind"`
	Target  string     `json:"target"`
	Status  string     `json:"status"`
	Detail  string     `json:"detail"`
	At      *time.Time `json:"at,omitempty"`
}

type healthPayload struct {
	Status string         `json:"status"`
	Probes []probePayload `json:"probes"`
}

// ExecuteHealthctl runs the healthctl command tree.
func ExecuteHealthctl() {
	root := &cobra.Command{
		Use:   "healthctl",
		Short: "Inspect LNMT service health",
	}
	addFormatFlag(root)
	root.AddCommand(healthStatusCmd())
	execute(root)
}

func healthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show overall health and per-probe state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var h healthPayload
			if err := newClient().get("/api/v1/health", &h); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(h)
			}
			fmt.Printf("overall: %s\n", h.Status)
			if len(h.Probes) == 0 {
				return nil
			}
			w := table()
			fmt.Fprintln(w, "PROBE\tKIND\tTARGET\tSTATUS\tDETAIL\tAT")
			for _, p := range h.Probes {
				at := "-"
				if p.At != nil {
					at = p.At.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ProbeID, p.Kind, p.Target, p.Status, p.Detail, at)
			}
			return w.Flush()
		},
	}
}
