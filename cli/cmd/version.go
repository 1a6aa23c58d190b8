package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"bifrost/cli/style"
)

var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print CLI and server versions",
	Run: func(cmd *cobra.Command, args []string) {
		logo := lipgloss.NewStyle().
			Bold(true).
			Foreground(style.Primary).
			Render(`
  ┌┐ ┬┌─┐┬─┐┌─┐┌─┐┌┬┐
  ├┴┐│├┤ ├┬┘│ │└─┐ │
  └─┘┴└  ┴└─└─┘└─┘ ┴`)

		server := "unreachable"
		if v, err := client.Version(); err == nil {
			server = v
		}

		fmt.Println(logo)
		fmt.Println()
		fmt.Printf("  %s %s\n", style.Key.Render("CLI"), style.Val.Render(Version))
		fmt.Printf("  %s %s\n", style.Key.Render("Server"), style.Val.Render(server))
		fmt.Printf("  %s %s\n", style.Key.Render("API"), style.Val.Render(apiURL))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
