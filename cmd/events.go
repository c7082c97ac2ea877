package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinship-social/apiserver/config"
	"github.com/kinship-social/apiserver/internal/logging"
	"github.com/kinship-social/apiserver/internal/mq"
	"github.com/kinship-social/apiserver/types"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect account events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail [channel]",
	Short: "Log account events as they are published",
	Long: `Subscribes to the account events channel and logs every event.
The channel defaults to MQ_EVENTS_CHANNEL.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.NewLogger(cfg.LogLevel)

		channel := cfg.MQ.EventsChannel
		if len(args) == 1 {
			channel = args[0]
		}

		broker, err := mq.Open(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer broker.Close()

		logger.Info("tailing account events", "channel", channel)
		err = broker.Subscribe(cmd.Context(), channel, func(ctx context.Context, msg mq.Message) error {
			var event types.AccountEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				// Malformed payloads are acknowledged so they are not redelivered forever.
				logger.Warn("undecodable event", "message_id", msg.ID, "error", err)
				return nil
			}
			logger.Info("account event",
				"message_id", msg.ID,
				"type", event.Type,
				"user_id", event.UserID,
				"username", event.Username,
				"revoked", event.Revoked,
				"occurred_at", event.OccurredAt,
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
