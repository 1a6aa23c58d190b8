package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"bifrost/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "bifrost",
	Short: "Live bridge between deployed functions and your machine",
	Long: `Bifrost forwards invocations of deployed cloud functions to this machine,
runs them against your current source and sends the result back.

Inspect the bridge, rebuild functions, replay events and follow the
invocation journal from the terminal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("BIFROST_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8900"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Bifrost server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("BIFROST_API_TOKEN"), "API bearer token")
}
