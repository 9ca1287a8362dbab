package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/daemon"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the auth token of the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := daemon.ReadToken()
		if tok == "" {
			return fmt.Errorf("no token on record; is 'surgectl serve' running?")
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
