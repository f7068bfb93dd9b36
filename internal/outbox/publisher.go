package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Publish is called once per claimed batch. Implementations push
// events to local SessionRegistry subscribers (see internal/gateway)
// and must be idempotent on event id, per spec §4.3.
type Publish func(ctx context.Context, events []Event) error

// RunPublisher polls Claim on interval, hands claimed batches to
// publish, and resolves each batch with MarkPublished or Release.
// Mirrors the teacher's ticker-driven background sweep idiom
// (main.go's mute-expiry/ban-purge ticker, metrics.go's RunMetrics)
// generalized to the outbox claim-publish cycle.
func RunPublisher(ctx context.Context, ob *Outbox, serverID string, interval, leaseDuration time.Duration, batchSize int, publish Publish) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runPublishCycle(ctx, ob, serverID, leaseDuration, batchSize, publish)
		}
	}
}

func runPublishCycle(ctx context.Context, ob *Outbox, serverID string, leaseDuration time.Duration, batchSize int, publish Publish) {
	events, token, err := ob.Claim(ctx, serverID, batchSize, leaseDuration)
	if err != nil {
		slog.Error("outbox claim failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	if err := publish(ctx, events); err != nil {
		slog.Warn("outbox publish failed, releasing claim", "error", err, "count", len(events))
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if dead, relErr := ob.Release(ctx, ids, token); relErr != nil {
			slog.Error("outbox release failed", "error", relErr)
		} else if len(dead) > 0 {
			slog.Warn("outbox events marked dead", "count", len(dead))
		}
		return
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := ob.MarkPublished(ctx, ids, token); err != nil {
		slog.Error("outbox mark-published failed", "error", err)
	}
}
