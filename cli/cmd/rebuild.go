package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"bifrost/api/model"
	"bifrost/cli/api"
	"bifrost/cli/style"
)

var rebuildTimeout time.Duration

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <function>...",
	Short: "Force a fresh build of one or more functions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRebuild,
}

func init() {
	rebuildCmd.Flags().DurationVar(&rebuildTimeout, "timeout", 3*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newRebuildModel(args))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if final.(rebuildModel).failed() {
		return fmt.Errorf("rebuild failed")
	}
	return nil
}

// --- Messages ---

type buildDone struct {
	id       string
	artifact *model.BuildArtifact
	err      error
	took     time.Duration
}

// --- Model ---

type buildRow struct {
	id       string
	status   string // "pending" | "running" | "completed" | "failed"
	artifact *model.BuildArtifact
	diag     string
	took     time.Duration
}

type rebuildModel struct {
	spinner spinner.Model
	rows    []buildRow
	next    int
	start   time.Time
}

func newRebuildModel(ids []string) rebuildModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)

	rows := make([]buildRow, len(ids))
	for i, id := range ids {
		rows[i] = buildRow{id: id, status: "pending"}
	}
	rows[0].status = "running"
	return rebuildModel{spinner: s, rows: rows, next: 1, start: time.Now()}
}

func (m rebuildModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, rebuildFunction(m.rows[0].id))
}

// startNext marks the next row running. Builds go one at a time so the
// server's build slots stay free for live invocations.
func (m *rebuildModel) startNext() tea.Cmd {
	if m.next >= len(m.rows) {
		return tea.Quit
	}
	m.rows[m.next].status = "running"
	id := m.rows[m.next].id
	m.next++
	return rebuildFunction(id)
}

func rebuildFunction(id string) tea.Cmd {
	return func() tea.Msg {
		started := time.Now()
		art, err := client.Rebuild(id, rebuildTimeout)
		return buildDone{id: id, artifact: art, err: err, took: time.Since(started)}
	}
}

func (m rebuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case buildDone:
		for i := range m.rows {
			if m.rows[i].id != msg.id {
				continue
			}
			m.rows[i].took = msg.took
			if msg.err != nil {
				m.rows[i].status = "failed"
				m.rows[i].diag = msg.err.Error()
				var he *api.HTTPError
				if errors.As(msg.err, &he) {
					m.rows[i].diag = he.Message()
				}
			} else {
				m.rows[i].status = "completed"
				m.rows[i].artifact = msg.artifact
			}
		}
		return m, m.startNext()
	}
	return m, nil
}

func (m rebuildModel) failed() bool {
	for _, r := range m.rows {
		if r.status != "completed" {
			return true
		}
	}
	return false
}

func (m rebuildModel) View() string {
	var b strings.Builder
	b.WriteString(style.Banner.Render("⚡ BIFROST REBUILD"))
	b.WriteString("\n")

	for _, r := range m.rows {
		name := padRight(r.id, 28)
		switch r.status {
		case "pending":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.DimText.Render(name), style.DimText.Render("waiting")))
		case "running":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", style.StepRunning.Render(name), m.spinner.View(), style.StepRunning.Render("building")))
		case "completed":
			b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
				style.StepDone.Render(name),
				style.StepDone.Render("✓"),
				style.Mono.Render(shortFingerprint(r.artifact.Fingerprint)),
				style.DimText.Render(r.took.Round(time.Millisecond).String())))
		case "failed":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepFailed.Render(name), style.StepFailed.Render("✗ failed")))
			b.WriteString(style.DimText.Render(indent(firstLines(r.diag, 8), "      ")))
			b.WriteString("\n")
		}
	}

	if m.next >= len(m.rows) && !m.running() {
		elapsed := time.Since(m.start).Round(time.Millisecond)
		if m.failed() {
			b.WriteString(style.ErrorBox.Render("✗ Rebuild failed; invocations report the build error until the source is fixed"))
		} else {
			b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ Rebuilt in %s", elapsed)))
		}
	}
	b.WriteString("\n")
	return b.String()
}

func (m rebuildModel) running() bool {
	for _, r := range m.rows {
		if r.status == "running" {
			return true
		}
	}
	return false
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}
