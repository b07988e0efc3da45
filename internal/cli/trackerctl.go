package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type devicePayload struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname"`
	VlanID    int       `json:"vlan_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Reserved  bool      `json:"reserved"`
}

type sessionPayload struct {
	ID          string     `json:"id"`
	VlanID      int        `json:"vlan_id"`
	MAC         string     `json:"mac"`
	IP          string     `json:"ip"`
	Hostname    string     `json:"hostname"`
	AppCategory string     `json:"app_category"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	SecondsUsed int64      `json:"seconds_used"`
}

type alertPayload struct {
	At            time.Time `json:"at"`
	VlanID        int       `json:"vlan_id"`
	Kbps          int64     `json:"kbps"`
	ThresholdKbps int64     `json:"threshold_kbps"`
}

// ExecuteTrackerCtl runs the device_tracker_ctl command tree.
func ExecuteTrackerCtl() {
	root := &cobra.Command{
		Use:   "device_tracker_ctl",
		Short: "Inspect LNMT tracked devices and sessions",
	}
	addFormatFlag(root)
	root.AddCommand(trackerListCmd(), trackerHistoryCmd(), trackerAlertsCmd(), trackerStatusCmd(),
		trackerReserveCmd(), trackerUnreserveCmd(), trackerThresholdsCmd(), trackerSetThresholdCmd())
	execute(root)
}

type thresholdPayload struct {
	VlanID           int   `json:"vlan_id"`
	ThresholdKbps    int64 `json:"threshold_kbps"`
	TimeWindowSecs   int64 `json:"time_window_secs"`
	SessionLimitSecs int64 `json:"session_limit_secs"`
}

func trackerReserveCmd() *cobra.Command {
	var hostID, hostname string
	var vlan int
	cmd := &cobra.Command{
		Use:   "reserve <mac>",
		Short: "Pin a hostname/VLAN reservation for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostname == "" {
				return usageErrf("--hostname is required")
			}
			if hostID == "" {
				hostID = hostname
			}
			body := map[string]any{
				"host_id":  hostID,
				"hostname": hostname,
				"vlan_id":  vlan,
			}
			var d devicePayload
			if err := newClient().do(http.MethodPut, "/api/v1/devices/"+args[0]+"/reservation", body, &d); err != nil {
				return err
			}
			fmt.Printf("reserved %s as %q (vlan %d)\n", d.MAC, d.Hostname, d.VlanID)
			return nil
		},
	}
	cmd.Flags().StringVar(&hostID, "host-id", "", "stable host identifier (defaults to hostname)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "desired hostname")
	cmd.Flags().IntVar(&vlan, "vlan", 0, "pinned VLAN id")
	return cmd
}

func trackerUnreserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unreserve <mac>",
		Short: "Clear a device's reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d devicePayload
			if err := newClient().delete("/api/v1/devices/"+args[0]+"/reservation", &d); err != nil {
				return err
			}
			fmt.Printf("cleared reservation for %s\n", d.MAC)
			return nil
		},
	}
}

func trackerThresholdsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thresholds",
		Short: "List per-VLAN bandwidth and session thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			var thresholds []thresholdPayload
			if err := newClient().get("/api/v1/vlans/thresholds", &thresholds); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(thresholds)
			}
			w := table()
			fmt.Fprintln(w, "VLAN\tKBPS\tWINDOW (s)\tSESSION LIMIT (s)")
			for _, t := range thresholds {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n",
					t.VlanID, t.ThresholdKbps, t.TimeWindowSecs, t.SessionLimitSecs)
			}
			return w.Flush()
		},
	}
}

func trackerSetThresholdCmd() *cobra.Command {
	var kbps, window, sessionLimit int64
	cmd := &cobra.Command{
		Use:   "set-threshold <vlan>",
		Short: "Set a VLAN's bandwidth and session thresholds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"threshold_kbps":     kbps,
				"time_window_secs":   window,
				"session_limit_secs": sessionLimit,
			}
			var t thresholdPayload
			if err := newClient().do(http.MethodPut, "/api/v1/vlans/thresholds/"+args[0], body, &t); err != nil {
				return err
			}
			fmt.Printf("vlan %d: %d kbps over %ds, session limit %ds\n",
				t.VlanID, t.ThresholdKbps, t.TimeWindowSecs, t.SessionLimitSecs)
			return nil
		},
	}
	cmd.Flags().Int64Var(&kbps, "kbps", 0, "bandwidth threshold in kbps")
	cmd.Flags().Int64Var(&window, "window", 600, "trailing window in seconds")
	cmd.Flags().Int64Var(&sessionLimit, "session-limit", 14400, "per-session usage limit in seconds")
	return cmd
}

func trackerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List known devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []devicePayload
			if err := newClient().get("/api/v1/devices", &devices); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(devices)
			}
			w := table()
			fmt.Fprintln(w, "MAC\tIP\tHOSTNAME\tVLAN\tLAST SEEN\tRESERVED")
			for _, d := range devices {
				vlan := "-"
				if d.VlanID != 0 {
					vlan = fmt.Sprintf("%d", d.VlanID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					d.MAC, d.IP, d.Hostname, vlan,
					d.LastSeen.Format("2006-01-02 15:04"), d.Reserved)
			}
			return w.Flush()
		},
	}
}

func trackerHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <mac>",
		Short: "Show a device's usage sessions, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []sessionPayload
			path := fmt.Sprintf("/api/v1/devices/%s/history?limit=%d", args[0], limit)
			if err := newClient().get(path, &sessions); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(sessions)
			}
			w := table()
			fmt.Fprintln(w, "STARTED\tENDED\tSECONDS\tCATEGORY\tIP")
			for _, s := range sessions {
				ended := "open"
				if s.EndedAt != nil {
					ended = s.EndedAt.Format("2006-01-02 15:04:05")
				}
				category := s.AppCategory
				if category == "" {
					category = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					s.StartedAt.Format("2006-01-02 15:04:05"), ended, s.SecondsUsed, category, s.IP)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func trackerAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Show recent VLAN threshold breaches",
		RunE: func(cmd *cobra.Command, args []string) error {
			var alerts []alertPayload
			if err := newClient().get("/api/v1/devices/alerts", &alerts); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(alerts)
			}
			if len(alerts) == 0 {
				fmt.Println("no alerts")
				return nil
			}
			w := table()
			fmt.Fprintln(w, "AT\tVLAN\tKBPS\tTHRESHOLD")
			for _, a := range alerts {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
					a.At.Format("2006-01-02 15:04:05"), a.VlanID, a.Kbps, a.ThresholdKbps)
			}
			return w.Flush()
		},
	}
}

func trackerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize tracked devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []devicePayload
			if err := newClient().get("/api/v1/devices", &devices); err != nil {
				return err
			}
			reserved := 0
			for _, d := range devices {
				if d.Reserved {
					reserved++
				}
			}
			if formatFlag == "json" {
				return printJSON(map[string]int{"devices": len(devices), "reserved": reserved})
			}
			fmt.Printf("devices:  %d\n", len(devices))
			fmt.Printf("reserved: %d\n", reserved)
			return nil
		},
	}
}
