// Command surgectl is the CLI entry point for the Surge download
// engine: a one-shot foreground fetch, a background daemon, or a thin
// client to an already-running daemon. See the cmd package for the
// subcommand implementations.
package main

import "github.com/surge-downloader/surge/cmd"

func main() {
	cmd.Execute()
}
