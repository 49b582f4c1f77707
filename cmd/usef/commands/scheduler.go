package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Inspect and run periodic jobs",
	Long: `Lists the periodic jobs of the configured role or runs one at once.

Jobs:
  ptu_phase            - advance PTU phases by the wall clock
  expire_documents     - expire overdue planboard messages
  place_flex_orders    - order accepted flex offers (DSO, BRP)
  initiate_settlement  - settle the previous month (DSO, BRP)
  finalize_sweep       - finalize settlements without meter data (DSO, BRP)

Example:
  go run ./cmd/usef scheduler list
  go run ./cmd/usef scheduler run ptu_phase`,
}

var (
	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the registered jobs and their schedules",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "Run a job now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
}

func listJobs(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stats := a.Scheduler.GetJobStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registered jobs (%s):\n", a.Config.USEF.Role)
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(out, "  - %-20s %-16s next %s\n", name, st.Schedule, formatTime(st.NextRun))
	}
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]
	ctx := cmd.Context()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stopBus := a.StartBus(ctx)
	defer stopBus()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running job: %s\n", jobName)

	start := time.Now()
	res, err := a.Scheduler.RunNow(ctx, jobName)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("job %s failed after %d attempts: %s", jobName, res.Attempts, res.Error)
	}

	printDone(out, "Job "+jobName+" completed", start)
	return nil
}
