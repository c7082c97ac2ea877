package services

import (
	"context"
	"encoding/json"

	"github.com/kinship-social/apiserver/types"
)

// publish sends event to the configured broker. Failures are logged and
// never fail the request that triggered the event.
func (s *UserService) publish(ctx context.Context, event types.AccountEvent) {
	if s.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encode account event failed", "type", event.Type, "error", err)
		return
	}

	id, err := s.events.Publish(ctx, s.eventsChannel, data, map[string]string{
		"type":    string(event.Type),
		"user_id": event.UserID,
	})
	if err != nil {
		s.logger.Warn("publish account event failed", "type", event.Type, "user_id", event.UserID, "error", err)
		return
	}
	s.logger.Debug("account event published", "type", event.Type, "user_id", event.UserID, "message_id", id)
}
