package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	bar "charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/progress"
	"github.com/raphaelgruber/kg/internal/tracker"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// stagesMsg carries a fresh stage model from the tracker.
type stagesMsg []progress.StageView

// noticeMsg carries a one-line tracker notice (e.g. fallback to polling).
type noticeMsg string

// doneMsg ends the view with the tracking outcome.
type doneMsg struct {
	job *jobs.Job
	err error
}

// watchModel is the bubbletea model for multi-stage job progress. It never
// talks to the server; the tracker feeds it through Program.Send.
type watchModel struct {
	jobID    string
	stages   []progress.StageView
	notices  []string
	bar      bar.Model
	theme    Theme
	job      *jobs.Job
	err      error
	done     bool
	quitting bool
}

func newWatchModel(jobID string) watchModel {
	return watchModel{
		jobID: jobID,
		bar: bar.New(
			bar.WithDefaultBlend(),
			bar.WithWidth(30),
		),
		theme: defaultTheme,
	}
}

func (m watchModel) Init() tea.Cmd {
	return nil
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case stagesMsg:
		m.stages = msg

	case noticeMsg:
		m.notices = append(m.notices, string(msg))

	case doneMsg:
		m.job, m.err = msg.job, msg.err
		m.done = true
		return m, tea.Quit
	}

	return m, nil
}

func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m watchModel) renderContent() string {
	var b strings.Builder

	header := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.jobID))
	b.WriteString(header + "\n")

	if len(m.stages) == 0 && !m.done {
		b.WriteString("  Waiting for progress...\n")
	}
	width := labelWidth(m.stages)
	for _, v := range m.stages {
		b.WriteString(m.stageRow(v, width) + "\n")
	}
	for _, n := range m.notices {
		b.WriteString(m.theme.hintStyle().Render("  "+n) + "\n")
	}

	if m.done || m.quitting {
		b.WriteString(m.finalView())
		return b.String()
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to continue in background") + "\n")
	return b.String()
}

func (m watchModel) stageRow(v progress.StageView, width int) string {
	label := fmt.Sprintf("%-*s", width, v.Label)
	switch v.Status {
	case progress.StageWaiting:
		return m.theme.hintStyle().Render(fmt.Sprintf("  · %s", label))
	case progress.StageCompleted:
		return fmt.Sprintf("  %s %s %s", m.theme.completedStyle().Render("✓"), label, stageDetail(v))
	}
	if v.Indeterminate {
		return fmt.Sprintf("  › %s %s", label, stageDetail(v))
	}
	return fmt.Sprintf("  › %s %s %s", label, m.bar.ViewAs(v.Ratio()), stageDetail(v))
}

func (m watchModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render(backgroundHint(m.jobID)) + "\n"
	}
	return finalSummary(m.theme, m.job, m.err)
}

// finalSummary renders a tracked job's outcome.
func finalSummary(theme Theme, job *jobs.Job, err error) string {
	// Tracking errors are reported by the caller.
	if err != nil || job == nil {
		return ""
	}
	switch job.Status {
	case jobs.StatusFailed:
		return theme.errorStyle().Render(fmt.Sprintf("✗ Job failed: %s", job.ErrorMessage())) + "\n"
	case jobs.StatusCancelled:
		return theme.errorStyle().Render("✗ Job cancelled") + "\n"
	}

	var b strings.Builder
	b.WriteString(theme.completedStyle().Render("✓ Completed") + "\n")
	if job.Result != nil {
		for _, k := range sortedKeys(job.Result.Summary) {
			fmt.Fprintf(&b, "  %-22s %s\n", summaryLabel(k)+":", humanize.Comma(int64(job.Result.Summary[k])))
		}
	}
	return b.String()
}

func backgroundHint(jobID string) string {
	return fmt.Sprintf("Job %s continues in background.\nUse 'kg jobs watch %s' to follow it again.", jobID, jobID)
}

// stageDetail renders counts, percent or the stage message.
func stageDetail(v progress.StageView) string {
	var parts []string
	switch {
	case v.Total > 0:
		parts = append(parts, fmt.Sprintf("%s/%s", humanize.Comma(int64(v.Current)), humanize.Comma(int64(v.Total))))
	case v.Current > 0:
		parts = append(parts, humanize.Comma(int64(v.Current)))
	case v.Status == progress.StageActive && !v.Indeterminate:
		parts = append(parts, fmt.Sprintf("%.0f%%", v.Percent))
	}
	if v.Message != "" && v.Status == progress.StageActive {
		parts = append(parts, v.Message)
	}
	return strings.Join(parts, "  ")
}

func labelWidth(views []progress.StageView) int {
	w := 0
	for _, v := range views {
		w = max(w, len(v.Label))
	}
	return w
}

// lineRenderer prints stage changes as plain lines for pipes and logs.
type lineRenderer struct {
	w    io.Writer
	last map[string]string
}

func newLineRenderer(w io.Writer) *lineRenderer {
	return &lineRenderer{w: w, last: make(map[string]string)}
}

// stages prints one line per stage whose rendering changed.
func (r *lineRenderer) stages(views []progress.StageView) {
	for _, v := range views {
		if v.Status == progress.StageWaiting {
			continue
		}
		line := fmt.Sprintf("%s: %s", v.Label, v.Status)
		if d := stageDetail(v); d != "" {
			line += " " + d
		}
		if r.last[v.Name] == line {
			continue
		}
		r.last[v.Name] = line
		fmt.Fprintln(r.w, line)
	}
}

func (r *lineRenderer) notice(msg string) {
	fmt.Fprintln(r.w, "note: "+msg)
}

// watchJob tracks a job until it finishes, with the bubbletea view when
// interactive and plain lines on w otherwise. A nil job with a nil error
// means the user detached and the job keeps running.
func watchJob(ctx context.Context, jobID string, interactive bool, w io.Writer) (*jobs.Job, error) {
	t := tracker.New(apiClient, trackOptions)
	if interactive {
		return watchInteractive(ctx, t, jobID)
	}
	return watchLines(ctx, t, jobID, w)
}

func watchLines(ctx context.Context, t *tracker.Tracker, jobID string, w io.Writer) (*jobs.Job, error) {
	r := newLineRenderer(w)
	job, err := t.Track(ctx, jobID, tracker.Callbacks{
		OnStages: r.stages,
		OnNotice: r.notice,
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(w, backgroundHint(jobID))
		return nil, nil
	}
	return job, err
}

func watchInteractive(ctx context.Context, t *tracker.Tracker, jobID string) (*jobs.Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel(jobID))
	go func() {
		job, err := t.Track(ctx, jobID, tracker.Callbacks{
			OnStages: func(v []progress.StageView) { p.Send(stagesMsg(v)) },
			OnNotice: func(n string) { p.Send(noticeMsg(n)) },
		})
		p.Send(doneMsg{job: job, err: err})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(watchModel)
	if !ok || m.quitting {
		// Ctrl+C detaches; the job keeps running on the server.
		return nil, nil
	}
	return m.job, m.err
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
