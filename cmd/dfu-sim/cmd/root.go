package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

var (
	quiet bool
	debug bool
)

// NewRootCommand builds the dfu-sim command tree: a single top-level
// cobra.Command carrying the --quiet/--debug persistent flags and the
// flash/keygen/sign subcommands. dfu-sim only ever groups a handful of
// closely related operations around one engine, so subcommands are plain
// *cobra.Command-returning constructors wired in directly rather than
// routed through a separate registered-command abstraction.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "dfu-sim",
		Short:   "Drive the DFU protocol engine without a USB bus",
		Long:    `dfu-sim exercises a DFU protocol engine against a firmware image, reporting progress as if driven by a USB host.`,
		Version: "0.1",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output")
	root.PersistentFlags().BoolVarP(&debug, "debug", "D", false, "produce debug output")

	root.AddCommand(newFlashCommand())
	root.AddCommand(newKeygenCommand())
	root.AddCommand(newSignCommand())

	return root
}

func configureLogging() {
	switch {
	case debug:
		jww.SetStdoutThreshold(jww.LevelDebug)
	case quiet:
		jww.SetStdoutThreshold(jww.LevelFatal)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
	}
}

// Execute runs the command tree, printing and exiting non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
