// Package bus defines the normalized message types exchanged between channel
// adapters (Telegram, WhatsApp-protocol, Meta — all external to this module)
// and the session orchestration core.
package bus

import "context"

// InboundMessage is a channel-normalized message delivered to the orchestrator.
// Channel adapters build this shape; the core never sees raw provider webhooks.
type InboundMessage struct {
	KeyID         string            `json:"keyId"`         // channel message identifier, stable per message
	Tenant        string            `json:"tenant"`        // instance identifier
	RemoteContact string            `json:"remoteContact"` // remote party identifier (jid, chat id, ...)
	PushName      string            `json:"pushName,omitempty"`
	FromMe        bool              `json:"fromMe"`
	Timestamp     int64             `json:"timestamp"` // unix seconds
	MessageType   string            `json:"messageType,omitempty"`
	Content       string            `json:"content"`
	QuotedMessage map[string]any    `json:"quotedMessage,omitempty"`
	Attachment    *Attachment       `json:"attachment,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Attachment carries inbound media either inline (base64) or by reference (URL).
// The orchestrator resolves it to bytes at most once per dispatch.
type Attachment struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Base64      string `json:"base64,omitempty"`
	URL         string `json:"url,omitempty"`
}

// DeliveryResult reports the outcome of an outbound send.
type DeliveryResult struct {
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ChannelSink is the outbound side of the channel layer. Both normal dispatch
// and follow-up dispatch write replies through it; implementations live with
// the channel adapters outside this core.
type ChannelSink interface {
	// SendReply delivers text to a remote contact on behalf of a session.
	// metadata is channel-specific and may be nil.
	SendReply(ctx context.Context, tenant, remoteContact, text, sessionID string, metadata map[string]string) (*DeliveryResult, error)
}

// SinkFunc adapts a function to the ChannelSink interface.
type SinkFunc func(ctx context.Context, tenant, remoteContact, text, sessionID string, metadata map[string]string) (*DeliveryResult, error)

func (f SinkFunc) SendReply(ctx context.Context, tenant, remoteContact, text, sessionID string, metadata map[string]string) (*DeliveryResult, error) {
	return f(ctx, tenant, remoteContact, text, sessionID, metadata)
}

// Cache invalidation kind constants. Administrative operations (bot/funnel
// create/update/delete) publish these so cache layers evict stale entries.
const (
	CacheKindBot    = "bot"
	CacheKindFunnel = "funnel"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"` // CacheKind* constants
	Key  string `json:"key"`  // bot id or funnel id; empty = invalidate all of kind
}
