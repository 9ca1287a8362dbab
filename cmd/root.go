// Package cmd implements the surgectl CLI surface: a one-shot
// foreground downloader (get), a daemon (serve) fronting the engine
// with the scheduler and local HTTP ingress, and a set of thin client
// subcommands (add/pause/resume/cancel/list/remove/token) that talk to
// a running daemon exactly the way the teacher's cmd/connect.go and
// cmd/utils.go's doAPIRequest do. Grounded on the teacher's cmd/root.go,
// cmd/server.go, cmd/get.go, cmd/connect.go, cmd/utils.go, cmd/token.go.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/applog"
)

// Version is set via ldflags during build, mirroring the teacher's
// cmd.Version/cmd.BuildTime pair.
var Version = "dev"

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:     "surgectl",
	Short:   "A resumable, multi-segment download engine",
	Long:    "surgectl drives the Surge download engine: a one-shot foreground fetch, a background daemon, or a client to an already-running daemon.",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applog.Init(debugFlag)
	},
}

// Execute runs the CLI, exiting the process with a non-zero status on
// error the way the teacher's main.go does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}
