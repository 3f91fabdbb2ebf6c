// Package eventsub implements the upstream event feed client: a reconnecting
// websocket session against Twitch EventSub, per-topic Helix subscriptions,
// frame demultiplexing into typed domain events, and the bounded recency
// caches of chat messages and reward redemptions.
package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ovrly/overlayd/internal/domain"
)

// Message types carried in frame metadata.
const (
	msgTypeWelcome      = "session_welcome"
	msgTypeKeepalive    = "session_keepalive"
	msgTypeNotification = "notification"
	msgTypeReconnect    = "session_reconnect"
)

// Subscription types this client consumes.
const (
	subRedemptionAdd    = "channel.channel_points_custom_reward_redemption.add"
	subRedemptionUpdate = "channel.channel_points_custom_reward_redemption.update"
	subChatMessage      = "channel.chat.message"
	subFollow           = "channel.follow"
	subSubscribe        = "channel.subscribe"
)

// frame is the top-level EventSub websocket frame.
type frame struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type frameMetadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	SubscriptionType string `json:"subscription_type,omitempty"`
}

// sessionPayload is the payload of session_welcome and session_reconnect.
type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		ReconnectURL            string `json:"reconnect_url"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

// notificationPayload is the payload of notification frames.
type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// redemptionEvent is the wire shape of reward redemption notifications.
type redemptionEvent struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	UserLogin  string `json:"user_login"`
	UserName   string `json:"user_name"`
	UserInput  string `json:"user_input"`
	Status     string `json:"status"`
	RedeemedAt string `json:"redeemed_at"`
	Reward     struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

// chatEvent is the wire shape of channel.chat.message notifications.
type chatEvent struct {
	MessageID       string `json:"message_id"`
	ChatterUserID   string `json:"chatter_user_id"`
	ChatterUserName string `json:"chatter_user_name"`
	ChatterLogin    string `json:"chatter_user_login"`
	Color           string `json:"color"`
	Message         struct {
		Text string `json:"text"`
	} `json:"message"`
	Badges []struct {
		SetID string `json:"set_id"`
	} `json:"badges"`
}

// followerEvent covers channel.follow and channel.subscribe, whose shapes
// overlap in the fields this client cares about.
type followerEvent struct {
	UserID     string `json:"user_id"`
	UserLogin  string `json:"user_login"`
	UserName   string `json:"user_name"`
	FollowedAt string `json:"followed_at"`
}

// decodeDomainEvent maps a notification event body to a domain.Event based on
// its subscription type. Chat messages are decoded separately; for them (and
// any unknown type) it returns (nil, nil) so the caller can route elsewhere.
func decodeDomainEvent(subType string, raw json.RawMessage, now time.Time) (*domain.Event, error) {
	switch subType {
	case subRedemptionAdd, subRedemptionUpdate:
		var ev redemptionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode redemption: %w", err)
		}
		return &domain.Event{
			Kind:        domain.KindRedemption,
			ID:          ev.ID,
			UserID:      ev.UserID,
			Username:    ev.UserLogin,
			DisplayName: ev.UserName,
			Timestamp:   parseTimestamp(ev.RedeemedAt, now),
			RewardID:    ev.Reward.ID,
			RewardTitle: ev.Reward.Title,
			RewardCost:  ev.Reward.Cost,
			UserInput:   ev.UserInput,
			Status:      domain.RedemptionStatus(ev.Status),
		}, nil
	case subFollow:
		var ev followerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode follow: %w", err)
		}
		e := followerToEvent(domain.KindFollow, ev, now)
		return &e, nil
	case subSubscribe:
		var ev followerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		e := followerToEvent(domain.KindSubscription, ev, now)
		return &e, nil
	default:
		return nil, nil
	}
}

func followerToEvent(kind domain.EventKind, ev followerEvent, now time.Time) domain.Event {
	return domain.Event{
		Kind:        kind,
		ID:          ev.UserID + ":" + string(kind),
		UserID:      ev.UserID,
		Username:    ev.UserLogin,
		DisplayName: ev.UserName,
		Timestamp:   parseTimestamp(ev.FollowedAt, now),
	}
}

// decodeChatMessage maps a channel.chat.message event body to a ChatMessage.
func decodeChatMessage(raw json.RawMessage, now time.Time) (domain.ChatMessage, error) {
	var ev chatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}
	msg := domain.ChatMessage{
		UserID:      ev.ChatterUserID,
		Username:    ev.ChatterLogin,
		DisplayName: ev.ChatterUserName,
		Message:     ev.Message.Text,
		Timestamp:   now,
		Color:       ev.Color,
	}
	for _, b := range ev.Badges {
		if b.SetID != "" {
			msg.Badges = append(msg.Badges, b.SetID)
		}
	}
	return msg, nil
}

// parseTimestamp decodes an RFC3339 upstream timestamp, falling back to the
// receipt time for absent or malformed values.
func parseTimestamp(s string, now time.Time) time.Time {
	if s == "" {
		return now
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return now
	}
	return ts.UTC()
}
