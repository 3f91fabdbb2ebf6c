// Package broadcast implements the local fan-out server that overlay pages
// attach to. It serves the embedded overlay pages, a Server-Sent Events
// stream of alert payloads, and a small JSON API over a loopback-only
// listener.
//
// Design goals:
//   - Loopback only: the listener binds 127.0.0.1 and non-local peers get 403.
//   - Per-client isolation: every attached page has its own buffered queue;
//     a slow or dead client drops its own frames and never stalls the rest.
//   - Clean restart: Stop() detaches every client and releases the port fully
//     before returning, so the same port can be bound again immediately.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ovrly/overlayd/internal/domain"
	"github.com/ovrly/overlayd/internal/http/handlers"
	"github.com/ovrly/overlayd/internal/http/middleware"
)

// ErrAlreadyRunning is returned by Start when the server is already serving.
var ErrAlreadyRunning = errors.New("broadcast: server already running")

const (
	// defaultClientBuffer is the per-client queue depth. A client further
	// behind than this loses frames rather than stalling the fan-out.
	defaultClientBuffer = 64

	// readHeaderTimeout bounds header parsing on the local listener.
	readHeaderTimeout = 10 * time.Second
)

// Options configures a broadcast Server. The zero value is usable; snapshot
// and alert endpoints report unavailable when their dependency is nil.
type Options struct {
	// ServiceName names spans emitted by the tracing middleware.
	ServiceName string
	// RateRPS and RateBurst bound the JSON API request rate per client IP.
	RateRPS   float64
	RateBurst int
	// ClientBuffer overrides the per-client queue depth when > 0.
	ClientBuffer int
	// ExtraOrigins allows additional browser origins beyond localhost.
	ExtraOrigins []string
	// Cache backs the snapshot endpoints (may be nil).
	Cache handlers.CacheSource
	// Alerts backs the test-alert endpoint (may be nil).
	Alerts handlers.AlertSink
}

// Server fans alert payloads out to attached overlay pages over SSE.
//
// The zero value is not usable; construct with New. Start and Stop may be
// called repeatedly in sequence to move the server between ports.
type Server struct {
	opts Options

	mu   sync.Mutex
	srv  *http.Server
	port int
	done chan struct{}

	clientMu sync.Mutex
	clients  map[int64]chan []byte
	nextID   atomic.Int64
}

// New constructs a stopped Server with the given options.
func New(opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "overlayd"
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	return &Server{opts: opts}
}

// Start binds 127.0.0.1:preferredPort (0 selects an ephemeral port) and
// begins serving. It returns the bound port. Calling Start on a running
// server returns ErrAlreadyRunning.
func (s *Server) Start(preferredPort int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return 0, ErrAlreadyRunning
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(preferredPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("broadcast: bind %s: %w", addr, err)
	}

	s.done = make(chan struct{})
	s.clientMu.Lock()
	s.clients = make(map[int64]chan []byte)
	s.clientMu.Unlock()

	srv := &http.Server{
		Handler:           s.buildEngine(s.done),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.srv = srv
	s.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("broadcast server exited")
		}
	}()

	log.Info().Int("port", s.port).Msg("broadcast server listening")
	return s.port, nil
}

// Port returns the currently bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Stop detaches every client, shuts the HTTP server down, and releases the
// listener. It returns once the port is free to rebind. Stopping a stopped
// server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	done := s.done
	s.srv = nil
	s.port = 0
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Wake every stream handler, then close their queues.
	close(done)
	s.clientMu.Lock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	connectedClients.Set(0)
	s.clientMu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("broadcast: shutdown: %w", err)
	}
	log.Info().Msg("broadcast server stopped")
	return nil
}

// Broadcast serializes the payload once and queues it for every attached
// client. Clients whose queue is full lose the frame; Broadcast never blocks
// on a slow client and never fails. Broadcasting with no server running or
// no clients attached is a no-op.
func (s *Server) Broadcast(p domain.AlertPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		// Payloads are built from plain structs; this indicates a bug.
		log.Error().Err(err).Str("type", p.Type).Msg("broadcast payload marshal failed")
		return
	}
	broadcastsTotal.Inc()

	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for id, ch := range s.clients {
		select {
		case ch <- data:
		default:
			droppedFramesTotal.Inc()
			log.Debug().Int64("client", id).Msg("dropped frame for slow client")
		}
	}
}

// addClient registers a new stream client and returns its queue and id.
func (s *Server) addClient() (chan []byte, int64) {
	ch := make(chan []byte, s.opts.ClientBuffer)
	id := s.nextID.Add(1)

	s.clientMu.Lock()
	s.clients[id] = ch
	n := len(s.clients)
	s.clientMu.Unlock()

	connectedClients.Set(float64(n))
	log.Debug().Int64("client", id).Int("clients", n).Msg("overlay client attached")
	return ch, id
}

// removeClient detaches a stream client. Safe to call after Stop already
// cleared the registry.
func (s *Server) removeClient(id int64) {
	s.clientMu.Lock()
	ch, present := s.clients[id]
	if present {
		close(ch)
		delete(s.clients, id)
	}
	n := len(s.clients)
	s.clientMu.Unlock()

	if present {
		connectedClients.Set(float64(n))
		log.Debug().Int64("client", id).Int("clients", n).Msg("overlay client detached")
	}
}

// buildEngine assembles the Gin engine: middleware chain, overlay pages,
// the SSE stream, and the versioned JSON API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Loopback guard: reject non-local peers before any handler runs
//  6. Body size limiter
//  7. Metrics
//  8. CORS (local origins only)
//
// The token-bucket rate limiter applies to the JSON API group only, so
// overlay pages reconnecting to the stream are never throttled.
func (s *Server) buildEngine(done chan struct{}) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(s.opts.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Loopback())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	allowOrigin := func(origin string) bool {
		if isLocalOrigin(origin) {
			return true
		}
		for _, o := range s.opts.ExtraOrigins {
			if origin == o {
				return true
			}
		}
		return false
	}
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: allowOrigin,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"X-Request-ID", "Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness and metrics.
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Overlay pages and the event stream.
	r.GET("/alerts", servePage(alertsPage))
	r.GET("/chat", servePage(chatPage))
	r.GET("/events", s.streamEvents(done))

	// Versioned JSON API, rate limited per client IP.
	h := handlers.New(s.opts.Cache, s.opts.Alerts)
	api := r.Group("/api/v1")
	if s.opts.RateRPS > 0 {
		rl := middleware.NewRateLimiter(s.opts.RateRPS, s.opts.RateBurst, middleware.KeyByIP())
		api.Use(rl.Handler())
	}
	{
		api.GET("/chat/messages", h.ListChatMessages)
		api.GET("/redemptions", h.ListRedemptions)
		api.POST("/alerts/test", h.TestAlert)
	}

	return r
}

// streamEvents returns the SSE handler. Each request registers a dedicated
// queue; frames are written in queue order so a client observes payloads in
// broadcast order. The handler exits when the peer disconnects or the server
// stops.
func (s *Server) streamEvents(done chan struct{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		flusher, okFlush := c.Writer.(http.Flusher)
		if !okFlush {
			handlers.Fail(c, http.StatusInternalServerError, handlers.ErrCodeInternal, "streaming unsupported")
			return
		}

		ch, id := s.addClient()
		defer s.removeClient(id)

		header := c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, okRecv := <-ch:
				if !okRecv {
					return
				}
				if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// servePage returns a handler serving an embedded overlay page.
func servePage(body []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", body)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap will cause downstream body
// reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// isLocalOrigin reports whether a browser Origin header refers to this
// machine. Overlay pages are only ever served locally.
func isLocalOrigin(origin string) bool {
	u, err := neturl.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
