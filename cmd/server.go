package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kinship-social/apiserver/config"
	"github.com/kinship-social/apiserver/internal/logging"
	"github.com/kinship-social/apiserver/internal/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var useMemoryStore bool

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the kinship API server",
	Long: `Starts the kinship API server. Usage:

	kinship server
	kinship server --memory
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.NewLogger(cfg.LogLevel)

		srv, err := server.New(cmd.Context(), cfg, server.Options{
			Memory: useMemoryStore,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-cmd.Context().Done():
		}

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().BoolVar(&useMemoryStore, "memory", false, "keep users in memory instead of Postgres")
}
