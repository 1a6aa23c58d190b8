package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"bifrost/api/model"
	"bifrost/cli/style"
)

var (
	invokeBody    string
	invokeTimeout time.Duration
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <function>",
	Short: "Run a function locally with an event, bypassing the bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readEvent(invokeBody, cmd.InOrStdin())
		if err != nil {
			return err
		}

		res, err := client.Invoke(args[0], body, invokeTimeout)
		if err != nil {
			return fmt.Errorf("invoke failed: %w", err)
		}
		printResult(res)
		if res.Outcome.Failed() {
			return fmt.Errorf("invocation %s", res.Outcome)
		}
		return nil
	},
}

func init() {
	invokeCmd.Flags().StringVar(&invokeBody, "event", "", "event JSON, @file, or - for stdin")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 5*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(invokeCmd)
}

func readEvent(arg string, stdin io.Reader) (string, error) {
	switch {
	case arg == "":
		return "{}", nil
	case arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return string(data), nil
	default:
		return arg, nil
	}
}

func printResult(res *model.InvocationResult) {
	fmt.Printf("\n  %s %s\n", style.Key.Render("Outcome"), style.Outcome(string(res.Outcome)))
	fmt.Printf("  %s %s\n", style.Key.Render("Request"), style.Mono.Render(res.RequestID))
	fmt.Printf("  %s %s\n", style.Key.Render("Duration"), style.Val.Render(res.Duration.Round(time.Millisecond).String()))

	if res.Error != nil {
		fmt.Printf("  %s %s\n", style.Key.Render("Error"), style.StepFailed.Render(res.Error.ErrorType))
		fmt.Printf("\n  %s\n", res.Error.ErrorMessage)
		for _, frame := range res.Error.StackTrace {
			fmt.Printf("    %s\n", style.DimText.Render(frame))
		}
	}
	if len(res.Payload) > 0 {
		fmt.Printf("\n  %s %s\n", style.DimText.Render("Response"), style.DimText.Render(humanize.Bytes(uint64(len(res.Payload)))))
		var pretty bytes.Buffer
		if json.Indent(&pretty, res.Payload, "  ", "  ") == nil {
			fmt.Printf("  %s\n", pretty.String())
		} else {
			fmt.Printf("  %s\n", string(res.Payload))
		}
	}
	fmt.Println()
}
