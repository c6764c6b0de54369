package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishVerification(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicVerification)
	require.NoError(t, err)

	publisher := NewWatermillPublisher(pubSub)
	event := ports.VerificationEvent{
		SessionID:     "session-1",
		Wallet:        "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T",
		Over18:        true,
		TxSignature:   "sig",
		AgeEstimate:   31.5,
		LivenessScore: 1,
		SurfaceScore:  core.Float(0.82),
		AgeConfidence: 0.91,
		OccurredAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, publisher.PublishVerification(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.NotEmpty(t, msg.UUID)
		assert.Equal(t, event.Wallet, msg.Metadata.Get("wallet"))
		assert.Equal(t, "session-1", msg.Metadata.Get("session_id"))

		var got ports.VerificationEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, event, got)
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}

func TestPublishAfterClose(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	publisher := NewWatermillPublisher(pubSub)
	require.NoError(t, publisher.Close())

	err := publisher.PublishVerification(context.Background(), ports.VerificationEvent{Wallet: "w"})
	assert.ErrorContains(t, err, "failed to publish event")
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.PublishVerification(context.Background(), ports.VerificationEvent{}))
}
