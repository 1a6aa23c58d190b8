package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bifrost/api/model"
	"bifrost/cli/api"
	"bifrost/cli/style"
)

var functionsCmd = &cobra.Command{
	Use:     "functions [id]",
	Short:   "List registered functions or show one in detail",
	Aliases: []string{"fn", "ls"},
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showFunction(args[0])
		}
		return listFunctions()
	},
}

var registerFile string

var registerCmd = &cobra.Command{
	Use:   "register -f <definition.yaml>",
	Short: "Register or replace a function definition for this session",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

func init() {
	registerCmd.Flags().StringVarP(&registerFile, "file", "f", "", "definition file (yaml or json)")
	registerCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(functionsCmd)
	rootCmd.AddCommand(registerCmd)
}

func listFunctions() error {
	fns, err := client.ListFunctions()
	if err != nil {
		return fmt.Errorf("failed to fetch functions: %w", err)
	}
	if len(fns) == 0 {
		fmt.Println(style.DimText.Render("No functions registered. Load a manifest or run `bifrost register`."))
		return nil
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].ID < fns[j].ID })

	fmt.Println(style.Banner.Render("⚡ FUNCTIONS") + style.Subtitle.Render(fmt.Sprintf("  %d registered", len(fns))))
	header := fmt.Sprintf("  %-2s  %-28s %-14s %-8s %-14s %s", "", "ID", "RUNTIME", "TIMEOUT", "BUILD", "HANDLER")
	fmt.Println(style.TableHeader.Render(header))
	for _, fn := range fns {
		dot, build := buildSummary(fn)
		fmt.Printf("  %s  %s %s %s %s %s\n",
			dot,
			style.Bold.Render(padRight(fn.ID, 28)),
			style.RuntimeBadge.Render(padRight(fn.Runtime, 14)),
			style.Val.Render(padRight(fn.Timeout.String(), 8)),
			padRendered(build, 14),
			style.DimText.Render(fn.Handler),
		)
	}
	fmt.Println()
	return nil
}

func buildSummary(fn api.Function) (string, string) {
	switch {
	case fn.Build == nil:
		return style.DotDim, style.DimText.Render("unknown")
	case fn.Build.Building:
		return style.DotWarning, style.StepRunning.Render("building")
	case fn.Build.Error != "":
		return style.DotUnhealthy, style.StepFailed.Render("failed")
	case fn.Build.Artifact != nil:
		return style.DotHealthy, style.Mono.Render(shortFingerprint(fn.Build.Fingerprint))
	default:
		return style.DotDim, style.DimText.Render("not built")
	}
}

func showFunction(id string) error {
	fn, err := client.GetFunction(id)
	if err != nil {
		return fmt.Errorf("failed to fetch function: %w", err)
	}

	card := style.CardHealthy
	if fn.Build != nil && fn.Build.Error != "" {
		card = style.CardUnhealthy
	}

	var b strings.Builder
	b.WriteString(style.Bold.Render(fn.ID))
	b.WriteString("  ")
	b.WriteString(style.RuntimeBadge.Render(fn.Runtime))
	b.WriteString("\n\n")

	kv := func(k, v string) {
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}
	kv("Handler", fn.Handler)
	kv("Source", fn.SrcPath)
	kv("Timeout", fn.Timeout.String())
	if fn.Bundle != nil {
		switch {
		case fn.Bundle.Disabled:
			kv("Bundle", "disabled")
		case fn.Bundle.Format != "":
			kv("Bundle", fn.Bundle.Format)
		}
	}
	if len(fn.Environment) > 0 {
		keys := make([]string, 0, len(fn.Environment))
		for k := range fn.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv("Environment", strings.Join(keys, " "))
	}

	if st := fn.Build; st != nil {
		b.WriteString("\n")
		b.WriteString(style.TableHeader.Render("  Build"))
		b.WriteString("\n")
		if st.Fingerprint != "" {
			kv("Fingerprint", shortFingerprint(st.Fingerprint))
		}
		if st.Artifact != nil {
			kv("Artifact", st.Artifact.Location)
			kv("Entry", st.Artifact.Entry)
			kv("Built", humanize.Time(st.Artifact.ProducedAt))
		}
		if st.Building {
			kv("State", "building")
		}
		if st.Error != "" {
			b.WriteString(style.StepFailed.Render(firstLines(st.Error, 6)))
			b.WriteString("\n")
		}
	}

	fmt.Println(card.Render(b.String()))
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(registerFile)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	// yaml is a superset of json, so one decoder covers both
	var def model.FunctionDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	fn, err := client.RegisterFunction(def)
	if err != nil {
		if he, ok := err.(*api.HTTPError); ok && he.Status == 400 {
			fmt.Println(style.ErrorBox.Render("✗ Invalid definition\n" + he.Body))
		}
		return err
	}
	fmt.Println(style.SuccessBox.Render(fmt.Sprintf("✓ Registered %s (%s)", fn.ID, fn.Runtime)))
	return nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "…")
	}
	return strings.Join(lines, "\n")
}
