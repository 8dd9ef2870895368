package twitch

import "encoding/json"

// EventSub message and subscription types.
const (
	SubTypeRedemptionAdd = "channel.channel_points_custom_reward_redemption.add"

	MessageTypeWelcome      = "session_welcome"
	MessageTypeKeepalive    = "session_keepalive"
	MessageTypeNotification = "notification"
	MessageTypeReconnect    = "session_reconnect"
	MessageTypeRevocation   = "revocation"
)

// Envelope is the outer frame of every EventSub websocket message.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Metadata identifies a websocket message. MessageID is globally unique
// and is what deduplication keys on.
type Metadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	SubscriptionType string `json:"subscription_type"`
}

// SessionPayload is the payload of session_welcome and session_reconnect
// messages.
type SessionPayload struct {
	Session Session `json:"session"`
}

// Session describes the EventSub websocket session.
type Session struct {
	ID           string `json:"id"`
	ReconnectURL string `json:"reconnect_url"`
}

// NotificationPayload is the payload of a notification message.
type NotificationPayload struct {
	Event RedemptionEvent `json:"event"`
}

// RedemptionEvent is a channel point redemption.
type RedemptionEvent struct {
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	Reward    RewardRef `json:"reward"`
}

// RewardRef identifies the redeemed reward.
type RewardRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cost  int64  `json:"cost"`
}
