package eventsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ovrly/overlayd/internal/domain"
)

// ----- Fakes -----

// fakeConn is a scripted duplex session. Frames pushed via push() are
// returned by ReadMessage in order; Close unblocks pending reads.
type fakeConn struct {
	frames chan []byte

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) push(frame string) { f.frames <- []byte(frame) }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	dl := f.deadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, nil, errors.New("read deadline exceeded")
		}
		timeout = time.After(d)
	}

	select {
	case b, ok := <-f.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, b, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	case <-timeout:
		return 0, nil, errors.New("read deadline exceeded")
	}
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// fakeCacheStore records cache writes.
type fakeCacheStore struct {
	mu      sync.Mutex
	initial domain.CacheDocument
	readErr error
	writes  []domain.CacheDocument
}

func (s *fakeCacheStore) ReadCache() (domain.CacheDocument, error) {
	return s.initial, s.readErr
}

func (s *fakeCacheStore) WriteCache(doc domain.CacheDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, doc)
	return nil
}

func (s *fakeCacheStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// ----- Helpers -----

func welcomeFrame(sessionID string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":%q,"keepalive_timeout_seconds":10}}}`, sessionID)
}

func keepaliveFrame() string {
	return `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`
}

func redemptionFrame(id, rewardID string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"notification","subscription_type":%q},"payload":{"subscription":{"type":%q},"event":{"id":%q,"user_id":"u1","user_login":"bob","user_name":"Bob","status":"unfulfilled","reward":{"id":%q,"title":"Hydrate","cost":100}}}}`,
		subRedemptionAdd, subRedemptionAdd, id, rewardID)
}

func chatFrame(text string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"notification","subscription_type":%q},"payload":{"subscription":{"type":%q},"event":{"chatter_user_id":"u1","chatter_user_login":"bob","chatter_user_name":"Bob","message":{"text":%q}}}}`,
		subChatMessage, subChatMessage, text)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// helixStub returns a Helix test server accepting every subscribe request
// and counting them.
func helixStub(t *testing.T, count *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(helixURL string, dialer Dialer) Config {
	return Config{
		URL:              "ws://upstream.test/ws",
		HelixURL:         helixURL,
		HandshakeTimeout: time.Second,
		KeepaliveTimeout: time.Hour, // keep the liveness timer out of the way
		BackoffBase:      time.Millisecond,
		MaxAttempts:      2,
		Dialer:           dialer,
	}
}

// ----- Tests -----

func TestBackoffDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, w := range want {
		if got := backoffDelay(1000*time.Millisecond, i+1); got != w {
			t.Errorf("backoffDelay(attempt=%d) = %v; want %v", i+1, got, w)
		}
	}
}

func TestConnect_BecomesLiveAndSubscribes(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn()
	conn.push(welcomeFrame("s1"))
	var dials atomic.Int32
	dialer := func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		return conn, nil
	}

	c := New(testConfig(srv.URL, dialer), &fakeCacheStore{}, zerolog.Nop())
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsLive() {
		t.Fatalf("state after Connect = %q; want live", c.State())
	}
	waitFor(t, func() bool { return int(subs.Load()) == len(topics) }, "all topic subscriptions")
	if dials.Load() != 1 {
		t.Fatalf("dials = %d; want 1", dials.Load())
	}
	c.Disconnect()
}

func TestConnect_Idempotent(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn()
	conn.push(welcomeFrame("s1"))
	var dials atomic.Int32
	dialer := func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		return conn, nil
	}

	c := New(testConfig(srv.URL, dialer), &fakeCacheStore{}, zerolog.Nop())
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials after double Connect = %d; want 1 (no second handshake)", dials.Load())
	}
	c.Disconnect()
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn() // never sends a welcome
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	cfg := testConfig(srv.URL, dialer)
	cfg.HandshakeTimeout = 30 * time.Millisecond

	c := New(cfg, &fakeCacheStore{}, zerolog.Nop())
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err == nil {
		t.Fatal("Connect succeeded without a welcome frame")
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after failed handshake = %q; want disconnected", got)
	}
}

func TestReconnect_ExhaustionSettlesDisconnected(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn()
	conn.push(welcomeFrame("s1"))
	var dials atomic.Int32
	dialer := func(ctx context.Context, url string) (Conn, error) {
		if dials.Add(1) == 1 {
			return conn, nil
		}
		return nil, errors.New("upstream unreachable")
	}

	cfg := testConfig(srv.URL, dialer)
	cfg.MaxAttempts = 3

	c := New(cfg, &fakeCacheStore{}, zerolog.Nop())
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.Close() // upstream drops the session

	waitFor(t, func() bool { return c.State() == StateDisconnected }, "exhausted reconnects")
	// One initial dial plus exactly MaxAttempts reconnect dials, no sixth.
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Fatalf("dials = %d; want 4 (1 connect + 3 attempts)", got)
	}
}

func TestReconnect_SuccessReentersLive(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	first := newFakeConn()
	first.push(welcomeFrame("s1"))
	second := newFakeConn()
	second.push(welcomeFrame("s2"))

	var dials atomic.Int32
	dialer := func(ctx context.Context, url string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	c := New(testConfig(srv.URL, dialer), &fakeCacheStore{}, zerolog.Nop())
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.Close()
	waitFor(t, func() bool { return c.IsLive() }, "reconnected session")
	c.Disconnect()
}

func TestDisconnect_StopsReconnection(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn()
	conn.push(welcomeFrame("s1"))
	var dials atomic.Int32
	dialer := func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		return conn, nil
	}

	c := New(testConfig(srv.URL, dialer), &fakeCacheStore{}, zerolog.Nop())
	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	if c.IsLive() {
		t.Fatal("IsLive() after Disconnect")
	}
	time.Sleep(30 * time.Millisecond)
	if dials.Load() != 1 {
		t.Fatalf("dials after Disconnect = %d; want 1 (no reconnect)", dials.Load())
	}
}

func TestNotifications_CacheDispatchAndPersist(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn()
	conn.push(welcomeFrame("s1"))
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	store := &fakeCacheStore{}
	c := New(testConfig(srv.URL, dialer), store, zerolog.Nop())

	var mu sync.Mutex
	var events []domain.Event
	var chats []domain.ChatMessage
	c.OnEvent(domain.KindRedemption, func(ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	c.OnChat(func(msg domain.ChatMessage) {
		mu.Lock()
		chats = append(chats, msg)
		mu.Unlock()
	})

	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.push(redemptionFrame("evt-1", "rw-1"))
	conn.push(chatFrame("hello"))
	conn.push(`not even json`)    // malformed frame: ignored, session stays live
	conn.push(keepaliveFrame())   // resets liveness timer
	conn.push(redemptionFrame("evt-2", "rw-2"))

	waitFor(t, func() bool { return len(c.CachedRedemptions()) == 2 }, "redemptions cached")
	waitFor(t, func() bool { return len(c.CachedMessages()) == 1 }, "chat cached")

	reds := c.CachedRedemptions()
	if reds[0].ID != "evt-2" || reds[1].ID != "evt-1" {
		t.Fatalf("redemption order = [%s %s]; want newest first", reds[0].ID, reds[1].ID)
	}

	mu.Lock()
	gotEvents, gotChats := len(events), len(chats)
	mu.Unlock()
	if gotEvents != 2 {
		t.Fatalf("dispatched events = %d; want 2", gotEvents)
	}
	if gotChats != 1 {
		t.Fatalf("dispatched chats = %d; want 1", gotChats)
	}

	if !c.IsLive() {
		t.Fatal("malformed frame killed the session")
	}

	waitFor(t, func() bool { return store.writeCount() >= 3 }, "cache persists")
	c.Disconnect()
}

func TestOnEvent_RemoveStopsDispatch(t *testing.T) {
	var subs atomic.Int32
	srv := helixStub(t, &subs)

	conn := newFakeConn()
	conn.push(welcomeFrame("s1"))
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	c := New(testConfig(srv.URL, dialer), &fakeCacheStore{}, zerolog.Nop())

	var calls atomic.Int32
	remove := c.OnEvent(domain.KindRedemption, func(domain.Event) { calls.Add(1) })
	remove()

	if err := c.Connect(context.Background(), "tok", "acct", "cid"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.push(redemptionFrame("evt-1", "rw-1"))

	waitFor(t, func() bool { return len(c.CachedRedemptions()) == 1 }, "redemption cached")
	if calls.Load() != 0 {
		t.Fatalf("removed handler called %d times", calls.Load())
	}
	c.Disconnect()
}

func TestSubscriber_SendsAuthHeaders(t *testing.T) {
	var gotAuth, gotClient string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotClient = r.Header.Get("Client-Id")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sub := newSubscriber(srv.URL)
	creds := credentials{accessToken: "tok", accountID: "acct", clientID: "cid"}
	if err := sub.subscribe(context.Background(), creds, "s1", topics[0]); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q; want %q", gotAuth, "Bearer tok")
	}
	if gotClient != "cid" {
		t.Errorf("Client-Id = %q; want cid", gotClient)
	}
}

func TestSubscriber_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	sub := newSubscriber(srv.URL)
	err := sub.subscribe(context.Background(), credentials{}, "s1", topics[0])
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}
