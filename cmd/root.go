package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kinship",
	Short: "Kinship social account API",
	Long: `Kinship serves the account API of the Kinship social network:
sign-up, sign-in, profiles and session management.`,
	SilenceUsage: true,
}

// Execute runs the root command with a context that is cancelled on
// SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
