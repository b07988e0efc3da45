package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lnmt-project/lnmt/internal/daemon"
	"github.com/lnmt-project/lnmt/internal/infra/scheduler"
)

// jobPayload mirrors the API's job wire shape.
type jobPayload struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Target       string         `json:"target"`
	Schedule     string         `json:"schedule"`
	Priority     string         `json:"priority,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	RetryDelayS  int            `json:"retry_delay_s,omitempty"`
	TimeoutS     int            `json:"timeout_s"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Enabled      bool           `json:"enabled"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

type runPayload struct {
	RunID      string     `json:"run_id"`
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	Trigger    string     `json:"trigger"`
}

// ExecuteSchedctl runs the schedctl command tree.
func ExecuteSchedctl() {
	root := &cobra.Command{
		Use:   "schedctl",
		Short: "Manage LNMT scheduled jobs",
	}
	addFormatFlag(root)

	root.AddCommand(schedListCmd(), schedAddCmd(), schedRemoveCmd(), schedRunCmd(),
		schedHistoryCmd(), schedStatusCmd(), schedEnableCmd(false), schedEnableCmd(true),
		schedExportCmd(), schedImportCmd(), schedValidateCmd())

	execute(root)
}

func schedListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []jobPayload
			if err := newClient().get("/api/v1/scheduler/jobs", &jobs); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(jobs)
			}
			w := table()
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tTARGET\tPRIORITY\tENABLED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					j.ID, j.Name, j.Schedule, j.Target, j.Priority, j.Enabled)
			}
			return w.Flush()
		},
	}
}

func schedAddCmd() *cobra.Command {
	var p jobPayload
	var deps []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.ID == "" || p.Target == "" || p.Schedule == "" {
				return usageErrf("--id, --target, and --schedule are required")
			}
			p.Dependencies = deps
			var created jobPayload
			if err := newClient().post("/api/v1/scheduler/jobs", p, &created); err != nil {
				return err
			}
			fmt.Printf("registered job %s\n", created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "stable job id")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Target, "target", "", "registered function name")
	cmd.Flags().StringVar(&p.Schedule, "schedule", "", "5-field cron expression")
	cmd.Flags().StringVar(&p.Priority, "priority", "NORMAL", "LOW, NORMAL, HIGH, or CRITICAL")
	cmd.Flags().IntVar(&p.MaxRetries, "max-retries", 0, "retry attempts after failure")
	cmd.Flags().IntVar(&p.RetryDelayS, "retry-delay", 30, "base retry delay in seconds")
	cmd.Flags().IntVar(&p.TimeoutS, "timeout", 300, "run timeout in seconds")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "job ids this job depends on")
	cmd.Flags().BoolVar(&p.Enabled, "enabled", true, "schedule the job")
	return cmd
}

func schedRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <job-id>",
		Aliases: []string{"rm"},
		Short:   "Unregister a job (history is retained)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/api/v1/scheduler/jobs/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("removed job %s\n", args[0])
			return nil
		},
	}
}

func schedRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Trigger a manual run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run runPayload
			if err := newClient().post("/api/v1/scheduler/jobs/"+args[0]+"/run", nil, &run); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(run)
			}
			fmt.Printf("run %s started for job %s\n", run.RunID, run.JobID)
			return nil
		},
	}
}

func schedHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "Show recent job runs, most recent first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/scheduler/history?limit=%d", limit)
			if len(args) == 1 {
				path += "&job_id=" + args[0]
			}
			var runs []runPayload
			if err := newClient().get(path, &runs); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(runs)
			}
			w := table()
			fmt.Fprintln(w, "RUN\tJOB\tSTATUS\tSTARTED\tENDED\tRETRY\tERROR")
			for _, r := range runs {
				ended := "-"
				if r.EndedAt != nil {
					ended = r.EndedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%.8s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.RunID, r.JobID, r.Status,
					r.StartedAt.Format("2006-01-02 15:04:05"), ended, r.RetryCount, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func schedStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Running      bool      `json:"running"`
				NextTick     time.Time `json:"next_tick"`
				InFlightRuns int       `json:"in_flight_runs"`
			}
			if err := newClient().get("/api/v1/scheduler/status", &st); err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(st)
			}
			fmt.Printf("running:   %v\n", st.Running)
			fmt.Printf("next tick: %s\n", st.NextTick.Format(time.RFC3339))
			fmt.Printf("in flight: %d\n", st.InFlightRuns)
			return nil
		},
	}
}

func schedEnableCmd(disable bool) *cobra.Command {
	verb := "enable"
	if disable {
		verb = "disable"
	}
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: verb + " a job's schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().post("/api/v1/scheduler/jobs/"+args[0]+"/"+verb, nil, nil); err != nil {
				return err
			}
			fmt.Printf("%sd job %s\n", verb, args[0])
			return nil
		},
	}
}

func schedExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export job definitions as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []jobPayload
			if err := newClient().get("/api/v1/scheduler/jobs", &jobs); err != nil {
				return err
			}
			defs := make(daemon.JobDefs, len(jobs))
			for _, j := range jobs {
				enabled := j.Enabled
				defs[j.ID] = daemon.JobDef{
					Name:         j.Name,
					Target:       j.Target,
					Schedule:     j.Schedule,
					Priority:     j.Priority,
					MaxRetries:   j.MaxRetries,
					RetryDelayS:  j.RetryDelayS,
					TimeoutS:     j.TimeoutS,
					Dependencies: j.Dependencies,
					Enabled:      &enabled,
					Args:         j.Args,
					Kwargs:       j.Kwargs,
				}
			}
			data, err := yaml.Marshal(defs)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func schedImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Register every job from a definitions file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := daemon.LoadJobDefs(args[0])
			if err != nil {
				return err
			}
			jobs, err := defs.Jobs(time.Now())
			if err != nil {
				return err
			}
			c := newClient()
			for _, j := range jobs {
				payload := jobPayload{
					ID:           j.ID,
					Name:         j.Name,
					Target:       j.Target,
					Schedule:     j.Schedule,
					Priority:     j.Priority.String(),
					MaxRetries:   j.MaxRetries,
					RetryDelayS:  j.RetryDelayS,
					TimeoutS:     j.TimeoutS,
					Dependencies: j.Dependencies,
					Enabled:      j.Enabled,
					Args:         j.Args,
					Kwargs:       j.Kwargs,
				}
				if err := c.post("/api/v1/scheduler/jobs", payload, nil); err != nil {
					return fmt.Errorf("job %s: %w", j.ID, err)
				}
				fmt.Printf("registered %s\n", j.ID)
			}
			return nil
		},
	}
}

func schedValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a job-definitions file without registering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := daemon.LoadJobDefs(args[0])
			if err != nil {
				return err
			}
			jobs, err := defs.Jobs(time.Now())
			if err != nil {
				return err
			}
			ids := make(map[string]bool, len(jobs))
			for _, j := range jobs {
				ids[j.ID] = true
			}
			for _, j := range jobs {
				if _, err := scheduler.ParseCron(j.Schedule); err != nil {
					return fmt.Errorf("job %s: %w", j.ID, err)
				}
				if j.TimeoutS <= 0 {
					return fmt.Errorf("job %s: timeout_s must be > 0", j.ID)
				}
				for _, dep := range j.Dependencies {
					if !ids[dep] {
						return fmt.Errorf("job %s: dependency %q not defined in file", j.ID, dep)
					}
				}
			}
			fmt.Printf("%s: %d job(s) valid\n", args[0], len(jobs))
			return nil
		},
	}
}
