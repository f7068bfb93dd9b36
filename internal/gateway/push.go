package gateway

import (
	"context"
	"encoding/json"
	"log"

	"voicegateway/internal/outbox"
	"voicegateway/internal/protocol"
)

// PublishLocal is the outbox.Publish implementation for this gateway
// process: events claimed by the Outbox publisher loop are turned
// into control frames pushed to every local session whose current
// channel matches the event's key, per spec §4.6's last paragraph.
// Idempotent on event id is satisfied trivially — re-pushing a
// presence/chat frame a client has already seen is harmless, matching
// spec §4.3's "subscribers dedupe by event id" expectation (events
// carry no client-visible id to dedupe on here, so at-least-once
// delivery may occasionally repeat a frame).
func (g *Gateway) PublishLocal(ctx context.Context, events []outbox.Event) error {
	for _, ev := range events {
		switch ev.Topic {
		case "presence":
			var pe protocol.PresenceEvent
			if err := json.Unmarshal([]byte(ev.Payload), &pe); err != nil {
				log.Printf("[gateway] decode presence event %s: %v", ev.ID, err)
				continue
			}
			g.fanOutControl(ev.Key, mustFrame(protocol.TypePresenceEvent, "", pe))
		case "chat":
			var ce protocol.ChatEvent
			if err := json.Unmarshal([]byte(ev.Payload), &ce); err != nil {
				log.Printf("[gateway] decode chat event %s: %v", ev.ID, err)
				continue
			}
			g.fanOutControl(ev.Key, mustFrame(protocol.TypeChatEvent, "", ce))
		case "moderation":
			var me protocol.ModerationEvent
			if err := json.Unmarshal([]byte(ev.Payload), &me); err != nil {
				log.Printf("[gateway] decode moderation event %s: %v", ev.ID, err)
				continue
			}
			g.fanOutControl(ev.Key, mustFrame(protocol.TypeModerationEvent, "", me))
		case "authz":
			// Role/override mutation: invalidate cached capability
			// snapshots rather than pushing a client-visible frame.
			g.authz.InvalidateAll()
		default:
			log.Printf("[gateway] unrecognized outbox topic %q for event %s", ev.Topic, ev.ID)
		}
	}
	return nil
}

func (g *Gateway) fanOutControl(channelID string, frame protocol.Frame) {
	for _, sess := range g.sessions.EnumerateChannel(channelID) {
		if err := sess.SendControl(frame); err != nil {
			log.Printf("[gateway] push control frame to %s: %v", sess.UserID, err)
		}
	}
}
