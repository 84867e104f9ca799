package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ongoingai/airelay/internal/version"
)

const defaultConfigPath = "airelay.yaml"

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "airelay",
		Short: "Streaming relay and usage ledger for Azure OpenAI and AWS Bedrock",
		Long: "airelay forwards Azure OpenAI and AWS Bedrock calls byte-for-byte while " +
			"extracting token usage from the stream into a ledger.",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		newServeCommand(),
		newConfigCommand(),
		newDoctorCommand(),
		newDiagnosticsCommand(),
		newReportCommand(),
		newDebugCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}
