package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/metrics"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

// isStructuredOutput reports whether results should be encoded instead of
// rendered for humans.
func isStructuredOutput() bool {
	return outputFormat == outputJSON || outputFormat == outputYAML
}

// writeStructured encodes v in the selected structured format.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}

// renderJobTable writes one row per job.
func renderJobTable(w io.Writer, list []jobs.Job, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Type", "Status", "Progress", "Owner", "Created")
	for _, j := range list {
		if err := table.Append(j.ID, j.Type, string(j.Status), progressCell(j), j.Owner,
			humanize.RelTime(j.CreatedAt, now, "ago", "from now")); err != nil {
			return err
		}
	}
	return table.Render()
}

// renderJobDetail writes a field/value table for one job.
func renderJobDetail(w io.Writer, j *jobs.Job, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	rows := [][]string{
		{"ID", j.ID},
		{"Type", j.Type},
		{"Status", string(j.Status)},
	}
	if j.Owner != "" {
		rows = append(rows, []string{"Owner", j.Owner})
	}
	rows = append(rows, []string{"Created", humanize.RelTime(j.CreatedAt, now, "ago", "from now")})
	if j.StartedAt != nil {
		rows = append(rows, []string{"Started", humanize.RelTime(*j.StartedAt, now, "ago", "from now")})
	}
	if d := j.Duration(); d > 0 {
		rows = append(rows, []string{"Duration", d.Round(time.Second).String()})
	}
	if j.ApprovedBy != nil {
		rows = append(rows, []string{"Approved by", *j.ApprovedBy})
	}
	if j.Progress != nil {
		rows = append(rows, []string{"Progress", progressCell(*j)})
		if j.Progress.Message != "" {
			rows = append(rows, []string{"Message", j.Progress.Message})
		}
	}
	if j.Result != nil {
		for _, k := range sortedKeys(j.Result.Summary) {
			rows = append(rows, []string{summaryLabel(k), humanize.Comma(int64(j.Result.Summary[k]))})
		}
	}
	if msg := j.ErrorMessage(); msg != "" {
		rows = append(rows, []string{"Error", msg})
	}

	for _, r := range rows {
		if err := table.Append(r[0], r[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

// progressCell summarizes a job's progress snapshot in one cell.
func progressCell(j jobs.Job) string {
	p := j.Progress
	if p == nil || j.IsTerminal() {
		return "-"
	}
	var parts []string
	if p.Stage != "" {
		parts = append(parts, p.Stage)
	}
	switch {
	case p.ItemsProcessed != nil && p.ItemsTotal != nil:
		parts = append(parts, fmt.Sprintf("%d/%d", *p.ItemsProcessed, *p.ItemsTotal))
	case p.Percent != nil:
		parts = append(parts, fmt.Sprintf("%.0f%%", *p.Percent))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// summaryLabel turns "concepts_created" into "Concepts created".
func summaryLabel(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func printStats(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "\nStats (%.1fs):\n", snap.UptimeSeconds)
	for _, op := range snap.Operations {
		fmt.Fprintf(w, "  %-16s %d calls, %d errors, avg %.1fms\n", op.Name, op.Count, op.Errors, op.AvgTimeMs)
	}
	for _, name := range sortedKeys(snap.Counters) {
		fmt.Fprintf(w, "  %-16s %d\n", name, snap.Counters[name])
	}
}

func stdoutIsTerminal() bool {
	return isTerminal(os.Stdout)
}
