package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/ontoti/internal/persistence"
)

// InteractionStore records heartbeat interactions. *persistence.Store
// satisfies it.
type InteractionStore interface {
	RecordInteraction(ctx context.Context, in persistence.Interaction) (int64, error)
}

// HeartbeatMessage is the text stored for a heartbeat at now.
func HeartbeatMessage(now time.Time) string {
	return "Heartbeat @ " + now.UTC().Format(time.RFC3339)
}

// NewHeartbeatRecorder returns a HeartbeatFunc that writes a timestamped
// interaction into the channel's session.
func NewHeartbeatRecorder(store InteractionStore, now func() time.Time) HeartbeatFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, channel string) error {
		if _, err := store.RecordInteraction(ctx, persistence.Interaction{
			SessionID: channel,
			UserText:  HeartbeatMessage(now()),
		}); err != nil {
			return fmt.Errorf("record heartbeat: %w", err)
		}
		return nil
	}
}
