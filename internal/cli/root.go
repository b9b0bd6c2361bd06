package cli

import (
	"github.com/spf13/cobra"

	"github.com/m68k-tools/m68kdap/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "m68kdap",
	Short: "m68kdap - debug-adapter bridge for 68k programs under emulation",
	Long: `m68kdap bridges a debug-adapter client (an editor or IDE) and a 68k
program running inside an emulator that exposes a remote debug stub.

The bridge translates adapter requests (launch, breakpoints, stepping,
stack, evaluate) into stub commands and turns the stub's asynchronous
notifications back into adapter events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("m68kdap version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
