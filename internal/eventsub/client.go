package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ovrly/overlayd/internal/domain"
)

// State is the connection state of the feed client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribing  State = "subscribing"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
)

// Defaults for Config fields left zero.
const (
	DefaultURL              = "wss://eventsub.wss.twitch.tv/ws"
	DefaultHelixURL         = "https://api.twitch.tv/helix"
	defaultHandshakeTimeout = 30 * time.Second
	defaultKeepaliveTimeout = 60 * time.Second
	defaultBackoffBase      = 1000 * time.Millisecond
	defaultMaxAttempts      = 5
)

// errStopped aborts a connection attempt that lost the race with Disconnect.
var errStopped = errors.New("feed client stopped")

// Conn is the duplex session surface the client needs. *websocket.Conn
// satisfies it; tests substitute scripted connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a duplex session to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// CacheStore persists and restores the combined recency-cache document.
type CacheStore interface {
	ReadCache() (domain.CacheDocument, error)
	WriteCache(domain.CacheDocument) error
}

// credentials are the per-Connect upstream credentials.
type credentials struct {
	accessToken string
	accountID   string
	clientID    string
}

// Config tunes the feed client. Zero values take the documented defaults.
type Config struct {
	URL              string
	HelixURL         string
	HandshakeTimeout time.Duration
	KeepaliveTimeout time.Duration
	BackoffBase      time.Duration
	MaxAttempts      int
	Dialer           Dialer
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.HelixURL == "" {
		c.HelixURL = DefaultHelixURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Dialer == nil {
		c.Dialer = dialWebsocket
	}
	return c
}

// dialWebsocket is the production Dialer.
func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client owns the duplex session to the event feed: it authenticates,
// subscribes, demultiplexes frames into typed events, manages reconnection
// with exponential backoff, and maintains the bounded recency caches.
//
// Consumers attach typed handlers via OnEvent and OnChat; the client never
// renders anything itself.
type Client struct {
	cfg   Config
	log   zerolog.Logger
	store CacheStore
	sub   *subscriber

	mu        sync.Mutex
	state     State
	gen       uint64 // session identity; bumped per session and on Disconnect
	conn      Conn
	sessionID string
	creds     credentials
	stop      chan struct{}
	keepalive *time.Timer
	bufs      buffers

	persistCh chan domain.CacheDocument

	handlersMu    sync.Mutex
	nextHandlerID int
	eventHandlers map[int]eventHandler
	chatHandlers  map[int]func(domain.ChatMessage)
}

type eventHandler struct {
	kind domain.EventKind
	fn   func(domain.Event)
}

// New constructs a feed client, restoring the recency caches from the store.
// A failed cache read is logged and treated as an empty cache.
func New(cfg Config, store CacheStore, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:           cfg,
		log:           log.With().Str("component", "eventsub").Logger(),
		store:         store,
		sub:           newSubscriber(cfg.HelixURL),
		state:         StateDisconnected,
		persistCh:     make(chan domain.CacheDocument, 256),
		eventHandlers: make(map[int]eventHandler),
		chatHandlers:  make(map[int]func(domain.ChatMessage)),
	}
	if store != nil {
		doc, err := store.ReadCache()
		if err != nil {
			c.log.Warn().Err(err).Msg("cache restore failed; starting empty")
		} else {
			c.bufs.load(doc)
		}
		go c.persistLoop()
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLive reports whether the duplex session is open and subscribed.
func (c *Client) IsLive() bool {
	return c.State() == StateLive
}

// CachedMessages returns a snapshot of the chat recency buffer, oldest first.
func (c *Client) CachedMessages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufs.snapshotMessages()
}

// CachedRedemptions returns a snapshot of the redemption recency buffer,
// newest first.
func (c *Client) CachedRedemptions() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufs.snapshotRedemptions()
}

// OnEvent registers fn for events of the given kind and returns a removal
// function. Handlers run on the frame-processing goroutine and must not block.
func (c *Client) OnEvent(kind domain.EventKind, fn func(domain.Event)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.eventHandlers[id] = eventHandler{kind: kind, fn: fn}
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.eventHandlers, id)
	}
}

// OnChat registers fn for decoded chat messages and returns a removal function.
func (c *Client) OnChat(fn func(domain.ChatMessage)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.chatHandlers[id] = fn
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.chatHandlers, id)
	}
}

// Connect opens the duplex session with the given credentials. It is
// idempotent: calling it while a session is open (or being opened) is a
// no-op. It returns an error when the initial handshake does not complete
// within the handshake timeout.
func (c *Client) Connect(ctx context.Context, accessToken, accountID, clientID string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.creds = credentials{accessToken: accessToken, accountID: accountID, clientID: clientID}
	c.stop = make(chan struct{})
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect tears down the session, clears all timers, and resets the
// reconnect state. Safe to call from any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++ // invalidates timers and loops tied to the old session
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.stopKeepaliveLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Info().Msg("disconnected")
}

// establish performs one full session handshake: dial, await the welcome
// frame, start the subscription pass, and hand the connection to the read
// loop. The handshake (dial plus welcome) is bounded by HandshakeTimeout.
func (c *Client) establish(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer(dialCtx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	sessionID, err := awaitWelcome(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if c.stop == nil {
		// Disconnect won the race while we were dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return errStopped
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.sessionID = sessionID
	c.state = StateSubscribing
	c.armKeepaliveLocked(gen)
	creds := c.creds
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Msg("session established")

	// Subscriptions are best-effort and do not gate liveness.
	go c.subscribeAll(gen, creds, sessionID)

	c.mu.Lock()
	if c.gen == gen {
		c.state = StateLive
	}
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	return nil
}

// awaitWelcome reads frames until the session welcome arrives, returning the
// session id. Undecodable pre-welcome frames are skipped.
func awaitWelcome(conn Conn) (string, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("handshake: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Metadata.MessageType != msgTypeWelcome {
			continue
		}
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return "", fmt.Errorf("handshake: decode welcome: %w", err)
		}
		if p.Session.ID == "" {
			return "", errors.New("handshake: welcome without session id")
		}
		return p.Session.ID, nil
	}
}

// subscribeAll issues one subscribe request per topic, sequentially. A
// failure is logged and does not abort the remaining topics.
func (c *Client) subscribeAll(gen uint64, creds credentials, sessionID string) {
	for _, t := range topics {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.sub.subscribe(ctx, creds, sessionID, t)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("topic", t.name).Msg("subscription failed")
			continue
		}
		c.log.Debug().Str("topic", t.name).Msg("subscribed")
	}
}

// readLoop consumes frames until the session closes, then hands off to the
// reconnect path. Frames are processed strictly in receipt order.
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onSessionClosed(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

// handleFrame demultiplexes one inbound frame by message type. Malformed
// frames and unknown types are logged and ignored; the session stays live.
func (c *Client) handleFrame(gen uint64, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn().Err(err).Msg("malformed frame ignored")
		return
	}
	framesTotal.WithLabelValues(f.Metadata.MessageType).Inc()

	switch f.Metadata.MessageType {
	case msgTypeKeepalive:
		c.mu.Lock()
		if c.gen == gen {
			c.armKeepaliveLocked(gen)
		}
		c.mu.Unlock()
	case msgTypeNotification:
		c.handleNotification(f)
	case msgTypeReconnect:
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn().Err(err).Msg("malformed reconnect frame ignored")
			return
		}
		// The redirect target is logged only; the standard reconnect path
		// takes over when the upstream closes this session.
		c.log.Info().Str("reconnect_url", p.Session.ReconnectURL).Msg("upstream requested session migration")
	case msgTypeWelcome:
		// Duplicate welcome after handshake; nothing to do.
	default:
		c.log.Debug().Str("message_type", f.Metadata.MessageType).Msg("unknown frame type ignored")
	}
}

// handleNotification decodes a notification into a typed event, updates the
// relevant recency cache, schedules a persist, and dispatches handlers.
// Deliveries are independent: duplicate event ids are not deduplicated.
func (c *Client) handleNotification(f frame) {
	var p notificationPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.log.Warn().Err(err).Msg("malformed notification ignored")
		return
	}
	now := time.Now().UTC()

	if p.Subscription.Type == subChatMessage {
		msg, err := decodeChatMessage(p.Event, now)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable chat message ignored")
			return
		}
		c.mu.Lock()
		c.bufs.appendMessage(msg)
		doc := c.bufs.document()
		c.mu.Unlock()
		c.enqueuePersist(doc)
		c.dispatchChat(msg)
		return
	}

	ev, err := decodeDomainEvent(p.Subscription.Type, p.Event, now)
	if err != nil {
		c.log.Warn().Err(err).Str("subscription_type", p.Subscription.Type).Msg("undecodable notification ignored")
		return
	}
	if ev == nil {
		c.log.Debug().Str("subscription_type", p.Subscription.Type).Msg("notification for unhandled topic ignored")
		return
	}

	if ev.Kind == domain.KindRedemption {
		c.mu.Lock()
		c.bufs.appendRedemption(*ev)
		doc := c.bufs.document()
		c.mu.Unlock()
		c.enqueuePersist(doc)
	}
	c.dispatchEvent(*ev)
}

func (c *Client) dispatchEvent(ev domain.Event) {
	c.handlersMu.Lock()
	fns := make([]func(domain.Event), 0, len(c.eventHandlers))
	for _, h := range c.eventHandlers {
		if h.kind == ev.Kind {
			fns = append(fns, h.fn)
		}
	}
	c.handlersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) dispatchChat(msg domain.ChatMessage) {
	c.handlersMu.Lock()
	fns := make([]func(domain.ChatMessage), 0, len(c.chatHandlers))
	for _, fn := range c.chatHandlers {
		fns = append(fns, fn)
	}
	c.handlersMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// onSessionClosed moves a live session into the reconnect path, unless the
// closure was caused by Disconnect or belongs to a superseded session.
func (c *Client) onSessionClosed(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.stopKeepaliveLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
	stop := c.stop
	if stop == nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	c.log.Warn().Err(cause).Msg("session closed; reconnecting")
	go c.reconnectLoop(stop)
}

// reconnectLoop retries the session with exponential backoff: base delay,
// doubling per attempt, up to MaxAttempts. Exhaustion settles in
// Disconnected and requires an explicit Connect to resume.
func (c *Client) reconnectLoop(stop chan struct{}) {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(backoffDelay(c.cfg.BackoffBase, attempt)):
		}

		reconnectsTotal.Inc()
		c.log.Info().Int("attempt", attempt).Msg("reconnect attempt")
		if err := c.establish(context.Background()); err != nil {
			if errors.Is(err, errStopped) {
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		return
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Error().Int("attempts", c.cfg.MaxAttempts).Msg("reconnect attempts exhausted; Connect required")
}

// backoffDelay returns the delay before the given 1-based reconnect attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// armKeepaliveLocked (re)arms the liveness timer for the session identified
// by gen. Expiry only logs: reconnection is driven by actual session
// closure, so a half-open TCP session can sit silently dead here.
// TODO: force a reconnect on liveness expiry once that behavior is agreed.
func (c *Client) armKeepaliveLocked(gen uint64) {
	c.stopKeepaliveLocked()
	c.keepalive = time.AfterFunc(c.cfg.KeepaliveTimeout, func() {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.log.Warn().Dur("timeout", c.cfg.KeepaliveTimeout).Msg("no keepalive received; session may be dead")
	})
}

func (c *Client) stopKeepaliveLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
}

// enqueuePersist schedules a cache write without blocking frame processing.
// Queued documents are written in order; when the queue is full the snapshot
// is dropped (a later mutation will persist a superset).
func (c *Client) enqueuePersist(doc domain.CacheDocument) {
	if c.store == nil {
		return
	}
	select {
	case c.persistCh <- doc:
	default:
		c.log.Warn().Msg("cache persist queue full; snapshot dropped")
	}
}

// persistLoop writes queued cache documents. Failures are logged and never
// reach frame processing.
func (c *Client) persistLoop() {
	for doc := range c.persistCh {
		if err := c.store.WriteCache(doc); err != nil {
			c.log.Error().Err(err).Msg("cache persist failed")
		}
	}
}
