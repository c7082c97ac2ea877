package mq

import (
	"context"
	"testing"
	"time"

	"github.com/kinship-social/apiserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Disabled(t *testing.T) {
	m, err := Open(context.Background(), config.MQConfig{})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, config.MQConfig{Backend: "kafka"})
	assert.ErrorContains(t, err, `unknown mq backend "kafka"`)

	_, err = Open(ctx, config.MQConfig{Backend: "rabbitmq"})
	assert.ErrorContains(t, err, "rabbitmq url is required")

	_, err = Open(ctx, config.MQConfig{Backend: "pubsub"})
	assert.ErrorContains(t, err, "pubsub project id is required")
}

func TestPublishRequiresChannel(t *testing.T) {
	m := New(NewMemoryBroker())
	_, err := m.Publish(context.Background(), "", []byte("x"), nil)
	assert.Error(t, err)
}

func TestMemoryBrokerDeliversToSubscriber(t *testing.T) {
	m, err := Open(context.Background(), config.MQConfig{Backend: "memory"})
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(ctx, "accounts.events", func(ctx context.Context, msg Message) error {
			received <- msg
			return nil
		})
	}()

	// Wait for the subscription to register before publishing.
	broker := m.backend.(*MemoryBroker)
	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.subs["accounts.events"]) == 1
	}, time.Second, 5*time.Millisecond)

	id, err := m.Publish(ctx, "accounts.events", []byte(`{"type":"user.signed_in"}`), map[string]string{"type": "user.signed_in"})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, id, msg.ID)
		assert.JSONEq(t, `{"type":"user.signed_in"}`, string(msg.Data))
		assert.Equal(t, "user.signed_in", msg.Attributes["type"])
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
