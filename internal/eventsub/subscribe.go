package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// topic describes one EventSub subscription of interest. Conditions are
// built per-account at subscribe time.
type topic struct {
	name      string
	version   string
	condition func(accountID string) map[string]string
}

func broadcasterCondition(accountID string) map[string]string {
	return map[string]string{"broadcaster_user_id": accountID}
}

// topics is the fixed subscription set. Redemptions and chat drive the
// alert/relay paths; follow and subscribe feed the alert processor's
// remaining kinds. All are best-effort: a failure on one topic never blocks
// the others.
var topics = []topic{
	{name: subRedemptionAdd, version: "1", condition: broadcasterCondition},
	{name: subRedemptionUpdate, version: "1", condition: broadcasterCondition},
	{name: subChatMessage, version: "1", condition: func(id string) map[string]string {
		return map[string]string{"broadcaster_user_id": id, "user_id": id}
	}},
	{name: subFollow, version: "2", condition: func(id string) map[string]string {
		return map[string]string{"broadcaster_user_id": id, "moderator_user_id": id}
	}},
	{name: subSubscribe, version: "1", condition: broadcasterCondition},
}

// subscribeRequest is the Helix create-subscription body.
type subscribeRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

// subscriber issues Helix subscription requests for a websocket session.
type subscriber struct {
	helixURL string
	http     *http.Client
}

func newSubscriber(helixURL string) *subscriber {
	return &subscriber{
		helixURL: helixURL,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// subscribe creates one EventSub subscription bound to sessionID. A non-2xx
// response is returned as an error carrying the response body.
func (s *subscriber) subscribe(ctx context.Context, creds credentials, sessionID string, t topic) error {
	body := subscribeRequest{
		Type:      t.name,
		Version:   t.version,
		Condition: t.condition(creds.accountID),
	}
	body.Transport.Method = "websocket"
	body.Transport.SessionID = sessionID

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode subscribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.helixURL+"/eventsub/subscriptions", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.accessToken)
	req.Header.Set("Client-Id", creds.clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("subscribe %s: status %d: %s", t.name, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
