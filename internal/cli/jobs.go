package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	bar "charm.land/bubbles/v2/progress"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kg/internal/approval"
	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
)

var (
	listStatus string
	listOwner  string
	listType   string
	listLimit  int
	listOffset int

	approveAll   bool
	approveType  string
	approveOwner string

	clearStatus string
	clearYes    bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, inspect and manage jobs",
	Long: `List, inspect, follow, approve and cancel jobs.

Examples:
  kg jobs list --status processing
  kg jobs status 3f2a...
  kg jobs watch 3f2a...
  kg jobs approve --all --type ingestion
  kg jobs clear --status failed`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Long: `Follow a job's progress until it completes, fails or is cancelled.

Progress is streamed when the server supports it and polled otherwise
(--no-stream forces polling). Ctrl+C stops watching; the job keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsWatch,
}

var jobsApproveCmd = &cobra.Command{
	Use:   "approve [job-id...]",
	Short: "Approve jobs awaiting approval",
	Long: `Approve one or more jobs awaiting approval, or all of them with --all.

A job that cannot be approved is reported and does not stop the others.

Examples:
  kg jobs approve 3f2a... 9c1b...
  kg jobs approve --all --type ingestion`,
	RunE: runJobsApprove,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete finished jobs from the server",
	Long: `Delete completed, failed and cancelled jobs from the server.

This cannot be undone. To confirm, hold any key until the bar fills;
releasing early, pressing Esc or waiting too long aborts without changes.`,
	Args: cobra.NoArgs,
	RunE: runJobsClear,
}

func init() {
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "only jobs with this status")
	jobsListCmd.Flags().StringVar(&listOwner, "owner", "", "only jobs submitted by this user")
	jobsListCmd.Flags().StringVar(&listType, "type", "", "only jobs of this type")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of jobs")
	jobsListCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many jobs")

	jobsApproveCmd.Flags().BoolVar(&approveAll, "all", false, "approve every job awaiting approval")
	jobsApproveCmd.Flags().StringVar(&approveType, "type", "", "with --all, only jobs of this type")
	jobsApproveCmd.Flags().StringVar(&approveOwner, "owner", "", "with --all, only jobs submitted by this user")

	jobsClearCmd.Flags().StringVar(&clearStatus, "status", "", "only clear jobs with this terminal status")
	jobsClearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "skip the hold-to-confirm prompt")

	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsWatchCmd, jobsApproveCmd, jobsCancelCmd, jobsClearCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	opts := client.ListJobsOptions{
		Owner:  listOwner,
		Type:   listType,
		Limit:  listLimit,
		Offset: listOffset,
	}
	if listStatus != "" {
		status, err := jobs.ParseStatus(listStatus)
		if err != nil {
			return err
		}
		opts.Status = status
	}

	list, err := apiClient.ListJobs(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if isStructuredOutput() {
		return writeStructured(os.Stdout, outputFormat, list)
	}
	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	return renderJobTable(os.Stdout, list, time.Now())
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	job, err := apiClient.GetJob(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if isStructuredOutput() {
		return writeStructured(os.Stdout, outputFormat, job)
	}
	return renderJobDetail(os.Stdout, job, time.Now())
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	return followJob(cmd.Context(), args[0])
}

func runJobsApprove(cmd *cobra.Command, args []string) error {
	switch {
	case approveAll && len(args) > 0:
		return errors.New("pass job ids or --all, not both")
	case !approveAll && len(args) == 0:
		return errors.New("no job ids given (use --all to approve every pending job)")
	case !approveAll && (approveType != "" || approveOwner != ""):
		return errors.New("--type and --owner need --all")
	}

	gate := approval.NewGate(apiClient, cfg.User, logger)
	var (
		res *approval.BatchResult
		err error
	)
	if approveAll {
		res, err = gate.ApproveMatching(cmd.Context(), approval.Filter{Type: approveType, Owner: approveOwner})
	} else {
		res, err = gate.ApproveAll(cmd.Context(), args)
	}
	if err != nil {
		return fmt.Errorf("approve jobs: %w", err)
	}

	if isStructuredOutput() {
		if err := writeStructured(os.Stdout, outputFormat, batchOutput(res)); err != nil {
			return err
		}
	} else if err := renderBatch(os.Stdout, res); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d approvals failed", len(res.Failed), res.Total())
	}
	return nil
}

type batchReport struct {
	Approved []string          `json:"approved" yaml:"approved"`
	Failed   map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func batchOutput(res *approval.BatchResult) batchReport {
	out := batchReport{Approved: res.Approved}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			out.Failed[id] = err.Error()
		}
	}
	if out.Approved == nil {
		out.Approved = []string{}
	}
	return out
}

func renderBatch(w io.Writer, res *approval.BatchResult) error {
	if res.Total() == 0 {
		fmt.Fprintln(w, "No jobs awaiting approval")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Result")
	for _, id := range res.Approved {
		if err := table.Append(id, "approved"); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(res.Failed) {
		if err := table.Append(id, res.Failed[id].Error()); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Approved %d of %d jobs.\n", len(res.Approved), res.Total())
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	job, err := apiClient.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	gate := approval.NewGate(apiClient, cfg.User, logger)
	cancelled, err := gate.Cancel(ctx, job)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if isStructuredOutput() {
		return writeStructured(os.Stdout, outputFormat, cancelled)
	}
	fmt.Printf("Cancelled job %s.\n", cancelled.ID)
	return nil
}

func runJobsClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var status jobs.Status
	if clearStatus != "" {
		s, err := jobs.ParseStatus(clearStatus)
		if err != nil {
			return err
		}
		if !jobs.IsTerminal(s) {
			return fmt.Errorf("only finished jobs can be cleared, not %s", s)
		}
		status = s
	}

	if !clearYes {
		ok, err := holdToConfirm(ctx, "Hold any key to clear finished jobs (Esc to abort)")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	n, err := apiClient.ClearJobs(ctx, status, true)
	if err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	fmt.Printf("Cleared %d jobs.\n", n)
	return nil
}

// holdToConfirm runs the hold-to-confirm gate on the terminal. It returns
// false without error when the user released early, aborted or timed out.
func holdToConfirm(ctx context.Context, prompt string) (bool, error) {
	if !isTerminal(os.Stdin) {
		return false, errors.New("confirmation needs an interactive terminal (use --yes to skip)")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys, restore, err := approval.TerminalKeys(ctx, os.Stdin)
	if err != nil {
		return false, err
	}

	gate := approval.NewHoldGate(approval.HoldConfig{
		Duration:          cfg.HoldDuration,
		PollInterval:      cfg.HoldPollInterval,
		InactivityTimeout: cfg.InactivityTimeout,
	}, time.Now())
	ticker := time.NewTicker(cfg.HoldPollInterval)
	defer ticker.Stop()

	meter := bar.New(bar.WithDefaultBlend(), bar.WithWidth(30))
	hint := defaultTheme.hintStyle()

	// Raw mode: lines need an explicit carriage return.
	fmt.Fprintf(os.Stderr, "%s\r\n", prompt)
	ok, err := gate.Confirm(ctx, keys, ticker.C, func(g *approval.HoldGate) {
		fmt.Fprintf(os.Stderr, "\r%s %s", meter.ViewAs(g.Held(time.Now())), hint.Render(fmt.Sprintf("%-10s", g.State())))
	})
	if rerr := restore(); rerr != nil {
		logger.Warn("failed to restore terminal", "error", rerr)
	}
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Fprintln(os.Stderr, gate.Message())
	}
	return ok, nil
}
