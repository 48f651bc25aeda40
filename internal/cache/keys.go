package cache

import (
	"fmt"
	"time"
)

// Key builders for the dependency/prompt cache. The dependency key embeds an
// update-time fingerprint of both the bot and its funnel, so any edit moves
// the key and stale entries die by TTL even if an explicit invalidation was
// missed.

// FunnelKey addresses the memoized public payload of one funnel.
func FunnelKey(funnelID string) string {
	return "funnel:" + funnelID
}

// SessionMessagesKey addresses the channel-maintained recent-messages bundle
// for one session.
func SessionMessagesKey(sessionID string) string {
	return "session-messages:" + sessionID
}

// DependencyKey fingerprints a (bot, funnel) pair by id and last-modified
// time. A nil/zero funnel contributes "none".
func DependencyKey(botID string, botUpdatedAt time.Time, funnelID string, funnelUpdatedAt time.Time) string {
	return fmt.Sprintf("deps:%s:%s:%s:%s",
		orNone(botID), stamp(botUpdatedAt), orNone(funnelID), stamp(funnelUpdatedAt))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
