// Overlay HTTP handlers.
//
// This file exposes REST endpoints for the local overlay API:
//   - GET  /chat/messages   (recent chat messages, newest last)
//   - GET  /redemptions     (recent redemptions, newest first)
//   - POST /alerts/test     (fire a synthetic alert through the pipeline)
//
// Handlers are transport-thin: they validate input, call the feed client or
// alert pipeline, and translate results into HTTP responses.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ovrly/overlayd/internal/domain"
)

//
// Service contracts
//

// CacheSource provides read access to the recency caches maintained by the
// feed client. Implementations must be safe for concurrent use and return
// copies the caller may retain.
type CacheSource interface {
	// CachedMessages returns the retained chat messages, oldest first.
	CachedMessages() []domain.ChatMessage
	// CachedRedemptions returns the retained redemptions, newest first.
	CachedRedemptions() []domain.Event
}

// AlertSink accepts feed events for alert processing. Implementations must be
// safe for concurrent use.
type AlertSink interface {
	// Process turns an event into an overlay alert and delivers it.
	Process(ev domain.Event) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for the cache snapshot API and alert testing.
// It depends on abstract interfaces to keep transport concerns separate from
// the feed and alert pipelines.
type Handlers struct {
	cache  CacheSource
	alerts AlertSink
}

// New constructs and returns a Handlers instance bound to the given sources.
// Either dependency may be nil; the corresponding endpoints then report the
// feature as unavailable.
func New(cache CacheSource, alerts AlertSink) *Handlers {
	return &Handlers{cache: cache, alerts: alerts}
}

//
// DTOs
//

// MessagesResponse wraps the retained chat messages.
type MessagesResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// RedemptionsResponse wraps the retained redemptions.
type RedemptionsResponse struct {
	Redemptions []domain.Event `json:"redemptions"`
}

// TestAlertRequest is the JSON payload for firing a synthetic alert. All
// fields are optional; sensible defaults produce a visible redemption alert.
type TestAlertRequest struct {
	// Kind selects the event shape: "redemption", "follow", or "subscription".
	Kind string `json:"kind"`
	// Username is the chatter credited with the event.
	Username string `json:"username"`
	// RewardID selects the reward mapping used for redemption alerts.
	RewardID string `json:"reward_id"`
	// RewardTitle is shown in the alert text.
	RewardTitle string `json:"reward_title"`
	// RewardCost is shown when the alert text references the cost.
	RewardCost int `json:"reward_cost"`
	// UserInput carries the viewer-supplied text, if any.
	UserInput string `json:"user_input"`
}

//
// Handlers
//

// ListChatMessages returns the retained chat messages, oldest first.
func (h *Handlers) ListChatMessages(c *gin.Context) {
	if h.cache == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "feed client not running")
		return
	}
	msgs := h.cache.CachedMessages()
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	ok(c, http.StatusOK, MessagesResponse{Messages: msgs})
}

// ListRedemptions returns the retained redemptions, newest first.
func (h *Handlers) ListRedemptions(c *gin.Context) {
	if h.cache == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "feed client not running")
		return
	}
	evs := h.cache.CachedRedemptions()
	if evs == nil {
		evs = []domain.Event{}
	}
	ok(c, http.StatusOK, RedemptionsResponse{Redemptions: evs})
}

// TestAlert fires a synthetic event through the alert pipeline so overlay
// pages can be verified without waiting for real channel activity.
func (h *Handlers) TestAlert(c *gin.Context) {
	if h.alerts == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "alert pipeline not running")
		return
	}

	var req TestAlertRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ev, err := req.toEvent(time.Now())
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	if err := h.alerts.Process(ev); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeAlertFailed, err.Error())
		return
	}
	noContent(c)
}

// toEvent expands the request into a fully populated synthetic event.
func (r TestAlertRequest) toEvent(now time.Time) (domain.Event, error) {
	kind := domain.KindRedemption
	switch strings.ToLower(strings.TrimSpace(r.Kind)) {
	case "", "redemption":
	case "follow":
		kind = domain.KindFollow
	case "subscription":
		kind = domain.KindSubscription
	default:
		return domain.Event{}, errUnknownKind
	}

	username := strings.TrimSpace(r.Username)
	if username == "" {
		username = "test_user"
	}

	ev := domain.Event{
		Kind:        kind,
		ID:          "test-" + uuid.NewString(),
		UserID:      "0",
		Username:    username,
		DisplayName: username,
		Timestamp:   now,
	}
	if kind == domain.KindRedemption {
		ev.RewardID = r.RewardID
		ev.RewardTitle = r.RewardTitle
		if ev.RewardTitle == "" {
			ev.RewardTitle = "Test Reward"
		}
		ev.RewardCost = r.RewardCost
		ev.UserInput = r.UserInput
		ev.Status = domain.StatusUnfulfilled
	}
	return ev, nil
}
