package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagLogLevel string

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "Join a Spell Coven room as a peer",
	Long: `meshnode joins a room through the signalling relay (or MQTT), keeps a direct
WebRTC link to every other participant and records what it receives.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug|info|warn|error (default $LOG_LEVEL or info)")
	rootCmd.AddCommand(joinCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
