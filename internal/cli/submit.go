package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/raphaelgruber/kg/internal/approval"
	"github.com/raphaelgruber/kg/internal/jobs"
)

// submitFlags are shared by the commands that create jobs.
type submitFlags struct {
	noAutoApprove bool
	force         bool
	noWait        bool
	yes           bool
}

// submitAndFollow submits a job, walks it through approval if the server
// asks for it, and tracks it unless noWait is set.
func submitAndFollow(ctx context.Context, sub jobs.Submission, flags submitFlags) error {
	sub.AutoApprove = !flags.noAutoApprove
	sub.Force = flags.force

	res, err := apiClient.SubmitJob(ctx, sub)
	if err != nil {
		return fmt.Errorf("submit %s job: %w", sub.Type, err)
	}
	if res.IsDuplicate() {
		return reportDuplicate(res.Duplicate)
	}

	job := res.Job
	logger.Info("job submitted", "job_id", job.ID, "type", job.Type, "status", job.Status)

	if job.Status == jobs.StatusAwaitingApproval {
		gate := approval.NewGate(apiClient, cfg.User, logger)
		review, err := gate.Review(job)
		if err != nil {
			return err
		}
		printReview(os.Stdout, review)

		ok := flags.yes
		if !ok {
			ok, err = confirm(os.Stdin, os.Stdout, "Approve and run?")
			if err != nil {
				return err
			}
		}
		if !ok {
			if _, err := gate.Cancel(ctx, job); err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			fmt.Printf("Cancelled job %s.\n", job.ID)
			return nil
		}
		if job, err = gate.Approve(ctx, job); err != nil {
			return fmt.Errorf("approve job: %w", err)
		}
	}

	if flags.noWait {
		if isStructuredOutput() {
			return writeStructured(os.Stdout, outputFormat, job)
		}
		fmt.Printf("Job %s %s.\nUse 'kg jobs watch %s' to follow it.\n", job.ID, job.Status, job.ID)
		return nil
	}
	return followJob(ctx, job.ID)
}

// followJob watches a job to its end and reports the outcome. Failed and
// cancelled jobs are returned as errors so the exit status reflects them.
func followJob(ctx context.Context, jobID string) error {
	interactive := stdoutIsTerminal() && !isStructuredOutput()

	job, err := watchJob(ctx, jobID, interactive, os.Stderr)
	if err != nil {
		return fmt.Errorf("track job %s: %w", jobID, err)
	}
	if job == nil {
		return nil
	}

	switch {
	case isStructuredOutput():
		if err := writeStructured(os.Stdout, outputFormat, job); err != nil {
			return err
		}
	case !interactive:
		fmt.Print(finalSummary(defaultTheme, job, nil))
	}

	switch job.Status {
	case jobs.StatusFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage())
	case jobs.StatusCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	}
	return nil
}

func reportDuplicate(d *jobs.Duplicate) error {
	if isStructuredOutput() {
		return writeStructured(os.Stdout, outputFormat, d)
	}
	fmt.Printf("Already submitted as job %s (%s).\n", d.ExistingJobID, d.Status)
	if d.Result != nil {
		for _, k := range sortedKeys(d.Result.Summary) {
			fmt.Printf("  %-22s %d\n", summaryLabel(k)+":", d.Result.Summary[k])
		}
	}
	fmt.Println("Use --force to submit it again.")
	return nil
}

// printReview shows the cost estimate and warnings of a job awaiting approval.
func printReview(w io.Writer, r *approval.Review) {
	fmt.Fprintf(w, "Job %s (%s) needs approval.\n", r.JobID, r.JobType)
	if r.HasEstimate {
		fmt.Fprintln(w, "\nEstimated cost:")
		for _, l := range r.Lines {
			fmt.Fprintf(w, "  %-14s %s\n", l.Category, approval.FormatRange(jobs.CostRange{Low: l.Low, High: l.High}))
		}
		fmt.Fprintf(w, "  %-14s %s\n", "Total", r.TotalText())
	} else {
		fmt.Fprintln(w, "\nNo cost estimate available.")
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "  • %s\n", warn)
		}
	}
}

// confirm asks a [y/N] question. EOF counts as no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "\n%s [y/N]: ", question)

	reader := bufio.NewReader(in)
	response, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read input: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}
