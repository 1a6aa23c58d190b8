package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"bifrost/cli/style"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show bridge state, backing services and build counters",
	Aliases: []string{"health", "doctor", "s"},
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach bifrost at " + apiURL))
		return err
	}
	br, err := client.Bridge()
	if err != nil {
		return fmt.Errorf("failed to fetch bridge state: %w", err)
	}
	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	fmt.Println(style.Banner.Render("⚡ BIFROST") + style.Subtitle.Render(fmt.Sprintf("  %d function(s)", h.Functions)))

	fmt.Printf("  %s %s %s\n", style.Key.Render("Bridge"), style.BridgeDot(string(br.State)), style.Bold.Render(string(br.State)))
	fmt.Printf("  %s %s\n", style.Key.Render("Endpoint"), style.Mono.Render(br.Endpoint))
	fmt.Printf("  %s %s\n", style.Key.Render("Stubs"), style.Val.Render(fmt.Sprintf("%d connected, %d in flight", br.Peers, br.InFlight)))
	if !br.LastActivity.IsZero() {
		fmt.Printf("  %s %s\n", style.Key.Render("Last activity"), style.Val.Render(humanize.Time(br.LastActivity)))
	}
	fmt.Println()

	fmt.Println(style.TableHeader.Render("  Services"))
	allUp := true
	for _, s := range h.Services {
		label := style.Warning.Render(s.Status)
		switch s.Status {
		case "up":
			label = style.Healthy.Render("up")
		case "down":
			label = style.Unhealthy.Render("down")
			allUp = false
		}
		line := fmt.Sprintf("  %s  %s %s", style.ServiceDot(s.Status), style.Bold.Render(padRight(s.Name, 12)), label)
		if s.Details != "" {
			line += "  " + style.DimText.Render(s.Details)
		}
		fmt.Println(line)
	}
	fmt.Println()

	fmt.Println(style.TableHeader.Render("  Builds"))
	fmt.Printf("  %s %s\n", style.Key.Render("Built"), style.Val.Render(humanize.Comma(stats.Builds.Builds)))
	fmt.Printf("  %s %s\n", style.Key.Render("Cache hits"), style.Val.Render(humanize.Comma(stats.Builds.CacheHits)))
	fmt.Printf("  %s %s\n", style.Key.Render("Failures"), style.Val.Render(humanize.Comma(stats.Builds.Failures)))
	fmt.Printf("  %s %s\n", style.Key.Render("Artifacts"), style.Val.Render(fmt.Sprintf("%d", stats.Builds.Artifacts)))
	fmt.Printf("  %s %s\n", style.Key.Render("Consoles"), style.Val.Render(fmt.Sprintf("%d", stats.Consoles)))

	if allUp {
		fmt.Println(style.SuccessBox.Render("All services healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Some services are down; invocations still run but history may be incomplete"))
	}
	return nil
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// padRendered pads an already styled string by its visible width.
func padRendered(s string, n int) string {
	if w := lipgloss.Width(s); w < n {
		return s + strings.Repeat(" ", n-w)
	}
	return s
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func formatMillis(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", ms)
	}
	return d.Round(10 * time.Millisecond).String()
}
