package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"bifrost/api/journal"
	"bifrost/cli/api"
	"bifrost/cli/style"
)

var (
	historyLimit    int
	journalFunction string
)

var invocationsCmd = &cobra.Command{
	Use:     "invocations <function>",
	Short:   "Show recent invocations of a function",
	Aliases: []string{"history"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := client.ListInvocations(args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch invocations: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println(style.DimText.Render("No recorded invocations. History needs BIFROST_DATABASE_URL on the server."))
			return nil
		}

		fmt.Println(style.Banner.Render("⚡ INVOCATIONS") + style.Subtitle.Render("  "+args[0]))
		header := fmt.Sprintf("  %-36s  %-16s %-9s %-8s %s", "REQUEST", "OUTCOME", "DURATION", "REBUILT", "STARTED")
		fmt.Println(style.TableHeader.Render(header))
		for _, r := range recs {
			rebuilt := ""
			if r.Rebuilt {
				rebuilt = "yes"
			}
			fmt.Printf("  %s  %s %s %s %s\n",
				style.Mono.Render(padRight(r.RequestID, 36)),
				padRendered(style.Outcome(string(r.Outcome)), 16),
				style.Val.Render(padRight(formatMillis(r.DurationMs), 9)),
				style.DimText.Render(padRight(rebuilt, 8)),
				style.DimText.Render(humanize.Time(r.StartedAt)),
			)
			if r.Error != "" {
				fmt.Printf("  %s\n", style.StepFailed.Render("  "+firstLines(r.Error, 1)))
			}
		}
		fmt.Println()
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal [request-id]",
	Short: "Show the step journal of one invocation, or the latest steps",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			steps, err := client.Journal(args[0])
			var he *api.HTTPError
			if errors.As(err, &he) && he.Status == http.StatusNotFound {
				return fmt.Errorf("no journal for request %s", args[0])
			}
			if err != nil {
				return err
			}
			printSteps(steps)
			return nil
		}

		steps, err := client.RecentJournal(journalFunction, historyLimit)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			fmt.Println(style.DimText.Render("No journal entries yet."))
			return nil
		}
		printSteps(steps)
		return nil
	},
}

func init() {
	invocationsCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries")
	journalCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries")
	journalCmd.Flags().StringVar(&journalFunction, "function", "", "only steps of this function")
	rootCmd.AddCommand(invocationsCmd)
	rootCmd.AddCommand(journalCmd)
}

func printSteps(steps []journal.Step) {
	for _, st := range steps {
		elapsed := ""
		if ms, ok := st.Metadata["elapsedMs"]; ok {
			elapsed = style.DimText.Render("+" + ms + "ms")
		}
		fmt.Printf("  %s  %s  %s %s %s\n",
			style.DimText.Render(st.Timestamp.Local().Format("15:04:05.000")),
			style.Mono.Render(shortID(st.RequestID)),
			padRendered(style.JournalState(string(st.State)), 10),
			st.Message,
			elapsed,
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
