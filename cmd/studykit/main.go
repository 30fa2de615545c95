package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	apiFlags := &APIFlags{}
	serveFlags := &ServeFlags{}
	targetFlags := &TargetFlags{}
	processFlags := &ProcessFlags{}

	root := &cobra.Command{
		Use:   "studykit",
		Short: "Imaging-study tool runner",
		Long: "studykit runs and tracks imaging-study tools: external module scripts\n" +
			"spawned as subprocesses, with their status, output and history recorded\n" +
			"in a filesystem ledger and served over an HTTP API.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiFlags.URL, "api-url", "http://127.0.0.1:8080", "base URL of the studykit server")
	root.PersistentFlags().DurationVar(&apiFlags.Timeout, "timeout", 0, "API request timeout")

	root.AddCommand(
		createServeCommand(serveFlags),
		createSubjectsCommand(apiFlags),
		createStudiesCommand(apiFlags),
		createToolsCommand(apiFlags, targetFlags),
		createDispatchCommand("run", "Run a tool on a target", apiFlags, targetFlags),
		createDispatchCommand("undo", "Undo a completed tool on a target", apiFlags, targetFlags),
		createProcessesCommand(apiFlags, processFlags),
		createProcessCommand(apiFlags),
		createClearLogsCommand(apiFlags, processFlags),
	)
	return root
}

func addTargetFlags(cmd *cobra.Command, f *TargetFlags) {
	cmd.Flags().StringVar(&f.Subject, "subject", "", "subject name (e.g. ABC-0001)")
	cmd.Flags().StringVar(&f.Study, "study", "", "study name (e.g. MR-20250101), requires --subject")
}
