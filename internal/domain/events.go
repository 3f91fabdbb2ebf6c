// Package domain defines the shared data model for the overlay daemon:
// decoded feed events, chat messages, alert templates, reward mappings, and
// the alert payloads pushed to display clients. These types carry no behavior
// beyond defaulting helpers and form the contract between the feed client,
// the alert processor, the store, and the broadcast server.
package domain

import "time"

// EventKind discriminates the decoded feed event union.
type EventKind string

// Known event kinds. Frames decoding to anything else are dropped by the
// feed client before reaching consumers.
const (
	KindRedemption   EventKind = "redemption"
	KindFollow       EventKind = "follow"
	KindSubscription EventKind = "subscription"
)

// RedemptionStatus is the upstream fulfillment state of a reward redemption.
type RedemptionStatus string

const (
	StatusUnfulfilled RedemptionStatus = "unfulfilled"
	StatusFulfilled   RedemptionStatus = "fulfilled"
	StatusCanceled    RedemptionStatus = "canceled"
)

// Event is a decoded, typed occurrence derived from an upstream notification
// frame. It is immutable once constructed by the frame decoder and consumed
// once by the alert processor. Duplicate deliveries are not deduplicated:
// each Event is treated independently even when ids repeat.
//
// Fields:
//   - Kind: discriminator (redemption, follow, subscription).
//   - ID: upstream event identifier; always non-empty for decoded events.
//   - UserID / Username / DisplayName: the acting user.
//   - Timestamp: upstream event time (UTC).
//   - Reward*/UserInput/Status: populated only when Kind == KindRedemption.
type Event struct {
	Kind        EventKind `json:"kind"`
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`

	// Redemption-only fields.
	RewardID    string           `json:"reward_id,omitempty"`
	RewardTitle string           `json:"reward_title,omitempty"`
	RewardCost  int              `json:"reward_cost,omitempty"`
	UserInput   string           `json:"user_input,omitempty"`
	Status      RedemptionStatus `json:"status,omitempty"`
}

// ChatMessage is a decoded chat line kept in the bounded recency buffer and
// relayed to overlay pages.
type ChatMessage struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Color       string    `json:"color,omitempty"`
	Badges      []string  `json:"badges,omitempty"`
}

// CacheDocument is the single persisted JSON document holding both recency
// buffers. Messages are oldest-first (insertion order); redemptions are
// newest-first.
type CacheDocument struct {
	Messages    []ChatMessage `json:"messages"`
	Redemptions []Event       `json:"redemptions"`
}
