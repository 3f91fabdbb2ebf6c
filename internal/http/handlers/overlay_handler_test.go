package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ovrly/overlayd/internal/domain"
)

type fakeCache struct {
	messages    []domain.ChatMessage
	redemptions []domain.Event
}

func (f *fakeCache) CachedMessages() []domain.ChatMessage { return f.messages }
func (f *fakeCache) CachedRedemptions() []domain.Event    { return f.redemptions }

type fakeSink struct {
	events []domain.Event
	err    error
}

func (f *fakeSink) Process(ev domain.Event) error {
	f.events = append(f.events, ev)
	return f.err
}

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/chat/messages", h.ListChatMessages)
	r.GET("/redemptions", h.ListRedemptions)
	r.POST("/alerts/test", h.TestAlert)
	return r
}

func TestListChatMessages_ReturnsSnapshot(t *testing.T) {
	cache := &fakeCache{messages: []domain.ChatMessage{
		{Username: "alice", Message: "hi"},
		{Username: "bob", Message: "hello"},
	}}
	r := newTestRouter(New(cache, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/messages", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var resp MessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Username != "alice" {
		t.Fatalf("unexpected messages: %+v", resp.Messages)
	}
}

func TestListChatMessages_EmptyIsArrayNotNull(t *testing.T) {
	r := newTestRouter(New(&fakeCache{}, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/messages", nil))
	if !bytes.Contains(w.Body.Bytes(), []byte(`"messages":[]`)) {
		t.Fatalf("want empty array, got %s", w.Body.String())
	}
}

func TestListRedemptions_ReturnsSnapshot(t *testing.T) {
	cache := &fakeCache{redemptions: []domain.Event{
		{Kind: domain.KindRedemption, ID: "r2", Username: "bob"},
		{Kind: domain.KindRedemption, ID: "r1", Username: "alice"},
	}}
	r := newTestRouter(New(cache, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/redemptions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var resp RedemptionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Redemptions) != 2 || resp.Redemptions[0].ID != "r2" {
		t.Fatalf("unexpected redemptions: %+v", resp.Redemptions)
	}
}

func TestListRedemptions_NoClient404(t *testing.T) {
	r := newTestRouter(New(nil, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/redemptions", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
}

func TestTestAlert_DefaultsToRedemption(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(New(nil, sink))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/alerts/test", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d; want 204 (body %s)", w.Code, w.Body.String())
	}
	if len(sink.events) != 1 {
		t.Fatalf("processed %d events; want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Kind != domain.KindRedemption || ev.Username != "test_user" || ev.RewardTitle != "Test Reward" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTestAlert_CustomFollow(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(New(nil, sink))

	body := bytes.NewBufferString(`{"kind":"follow","username":"carol"}`)
	req := httptest.NewRequest(http.MethodPost, "/alerts/test", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d; want 204", w.Code)
	}
	ev := sink.events[0]
	if ev.Kind != domain.KindFollow || ev.Username != "carol" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTestAlert_UnknownKind400(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRouter(New(nil, sink))

	body := bytes.NewBufferString(`{"kind":"raid"}`)
	req := httptest.NewRequest(http.MethodPost, "/alerts/test", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("sink received %d events; want 0", len(sink.events))
	}
}

func TestTestAlert_PipelineError500(t *testing.T) {
	sink := &fakeSink{err: errors.New("boom")}
	r := newTestRouter(New(nil, sink))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/alerts/test", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrCodeAlertFailed {
		t.Fatalf("code = %q; want %q", resp.Code, ErrCodeAlertFailed)
	}
}

func TestToEvent_RedemptionFields(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev, err := TestAlertRequest{
		Kind:        "redemption",
		Username:    "dora",
		RewardID:    "rw-1",
		RewardTitle: "Hydrate",
		RewardCost:  100,
		UserInput:   "hello",
	}.toEvent(now)
	if err != nil {
		t.Fatalf("toEvent: %v", err)
	}
	if ev.RewardID != "rw-1" || ev.RewardCost != 100 || ev.Status != domain.StatusUnfulfilled {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v; want %v", ev.Timestamp, now)
	}
}
