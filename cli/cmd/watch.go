package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"bifrost/cli/style"
)

const maxWatchLines = 2000

var watchFunction string

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Follow invocations, builds and bridge events live",
	Aliases: []string{"tail", "w"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(newWatchModel(watchFunction), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchFunction, "function", "", "only events of this function")
	rootCmd.AddCommand(watchCmd)
}

// liveEvent is the hub's wire form.
type liveEvent struct {
	Type       string          `json:"type"`
	FunctionID string          `json:"functionId"`
	Time       time.Time       `json:"time"`
	Payload    json.RawMessage `json:"payload"`
}

// --- Messages ---

type eventLine struct{ line string }
type watchConnected struct{ ch chan tea.Msg }
type watchError struct{ err error }
type watchClosed struct{}

// --- Model ---

type watchModel struct {
	function string
	viewport viewport.Model
	lines    []string
	ready    bool
	err      error
	events   chan tea.Msg
}

func newWatchModel(function string) watchModel {
	return watchModel{function: function}
}

func (m watchModel) Init() tea.Cmd {
	return connectEvents(m.function)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := 3
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		m.ready = true
		return m, nil

	case watchConnected:
		m.events = msg.ch
		m.append(style.DimText.Render("--- connected to " + client.WebSocketURL() + " ---"))
		return m, nextEvent(m.events)

	case eventLine:
		m.append(msg.line)
		return m, nextEvent(m.events)

	case watchClosed:
		m.append(style.DimText.Render("--- stream ended ---"))
		return m, nil

	case watchError:
		m.err = msg.err
		return m, nil
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *watchModel) append(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxWatchLines {
		m.lines = m.lines[len(m.lines)-maxWatchLines:]
	}
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m watchModel) View() string {
	if m.err != nil {
		return style.ErrorBox.Render(fmt.Sprintf("Error: %s", m.err))
	}

	scope := "all functions"
	if m.function != "" {
		scope = m.function
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		style.Banner.Render("⚡ LIVE"),
		"  ",
		style.Bold.Render(scope),
		"  ",
		style.DimText.Render("q to quit • ↑↓ to scroll"),
	)

	if !m.ready {
		return header + "\n\n" + style.DimText.Render("Connecting...")
	}
	return header + "\n" + m.viewport.View()
}

// --- Commands ---

func connectEvents(function string) tea.Cmd {
	return func() tea.Msg {
		hdr := http.Header{}
		if apiToken != "" {
			hdr.Set("Authorization", "Bearer "+apiToken)
		}
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(), hdr)
		if err != nil {
			return watchError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		ch := make(chan tea.Msg, 64)
		go func() {
			defer conn.Close()
			defer close(ch)
			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var evt liveEvent
				if err := json.Unmarshal(message, &evt); err != nil {
					continue
				}
				if function != "" && evt.FunctionID != "" && evt.FunctionID != function {
					continue
				}
				if line := formatEvent(evt); line != "" {
					ch <- eventLine{line: line}
				}
			}
		}()
		return watchConnected{ch: ch}
	}
}

func nextEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return watchClosed{}
		}
		return msg
	}
}

// formatEvent renders one hub event as a single line. Unknown event types
// are shown by name only.
func formatEvent(evt liveEvent) string {
	ts := evt.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := style.DimText.Render(ts.Local().Format("15:04:05.000")) + "  "
	fn := style.Bold.Render(padRight(evt.FunctionID, 20))

	var p map[string]interface{}
	json.Unmarshal(evt.Payload, &p)
	str := func(k string) string {
		if v, ok := p[k].(string); ok {
			return v
		}
		return ""
	}

	switch evt.Type {
	case "invocation.received":
		return prefix + fn + " " + style.DimText.Render("→ received ") + style.Mono.Render(shortID(str("requestId")))
	case "invocation.step":
		return prefix + fn + " " + style.DimText.Render("  ") + style.JournalState(str("state")) + " " + style.DimText.Render(str("message"))
	case "invocation.completed":
		line := prefix + fn + " " + style.Outcome(str("outcome")) + " " + style.Mono.Render(shortID(str("requestId")))
		if ms, ok := p["durationMs"].(float64); ok {
			line += " " + style.DimText.Render(formatMillis(int64(ms)))
		}
		if rebuilt, _ := p["rebuilt"].(bool); rebuilt {
			line += " " + style.Warning.Render("rebuilt")
		}
		if e, ok := p["error"].(map[string]interface{}); ok {
			msg, _ := e["errorMessage"].(string)
			line += "  " + style.StepFailed.Render(firstLines(msg, 1))
		}
		return line
	case "build.started":
		return prefix + fn + " " + style.StepRunning.Render("building") + " " + style.Mono.Render(shortFingerprint(str("fingerprint")))
	case "build.completed":
		return prefix + fn + " " + style.StepDone.Render("built") + " " + style.Mono.Render(shortFingerprint(str("fingerprint")))
	case "build.failed":
		return prefix + fn + " " + style.StepFailed.Render("build failed") + "\n" + style.DimText.Render(indent(firstLines(str("error"), 6), "      "))
	case "bridge.connected", "bridge.disconnected":
		peers, _ := p["peers"].(float64)
		return prefix + style.BridgeDot(strings.TrimPrefix(evt.Type, "bridge.")) + " " + style.Bold.Render(evt.Type) + " " + style.DimText.Render(fmt.Sprintf("%d stub(s)", int(peers)))
	case "function.registered":
		return prefix + fn + " " + style.DimText.Render("registered")
	case "source.changed":
		return prefix + fn + " " + style.Warning.Render("source changed")
	default:
		return prefix + fn + " " + style.DimText.Render(evt.Type)
	}
}
