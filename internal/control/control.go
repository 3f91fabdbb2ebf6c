// Package control exposes the daemon's command surface: the small set of
// operations an embedding application (tray UI, editor, scripting shim)
// invokes against a running daemon. Every command returns a Result envelope
// so callers on the far side of a serialization boundary get a uniform
// {ok, error} shape instead of language-specific error values.
package control

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ovrly/overlayd/internal/domain"
	"github.com/ovrly/overlayd/internal/store"
)

// Result is the uniform command envelope. OK is true when the command
// succeeded; Error carries a human-readable message otherwise.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PortResult carries a port number alongside the command envelope.
type PortResult struct {
	Result
	Port int `json:"port,omitempty"`
}

// TemplateResult carries an alert template alongside the command envelope.
// Template is nil when the id is unknown (OK is still true in that case).
type TemplateResult struct {
	Result
	Template *domain.AlertTemplate `json:"template,omitempty"`
}

func okResult() Result { return Result{OK: true} }

func errResult(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// BroadcastServer is the slice of the fan-out server the controller drives.
type BroadcastServer interface {
	Start(preferredPort int) (int, error)
	Stop(ctx context.Context) error
	Broadcast(p domain.AlertPayload)
	Port() int
}

// SettingsStore is the slice of the document store the controller reads and
// writes.
type SettingsStore interface {
	ReadSettings(def store.Settings) (store.Settings, error)
	WriteSettings(v store.Settings) error
	ReadTemplate(id string) (*domain.AlertTemplate, error)
	WriteTemplate(id string, tpl domain.AlertTemplate) error
}

// Controller binds the command surface to the broadcast server and store.
// Commands are safe for concurrent use; Restart is serialized so overlapping
// restarts cannot race the listener.
type Controller struct {
	server      BroadcastServer
	store       SettingsStore
	defaultPort int

	mu sync.Mutex // serializes Restart
}

// New constructs a Controller. defaultPort is used when no port has been
// persisted yet.
func New(server BroadcastServer, st SettingsStore, defaultPort int) *Controller {
	return &Controller{server: server, store: st, defaultPort: defaultPort}
}

// Broadcast pushes a payload to all attached overlay clients.
func (c *Controller) Broadcast(p domain.AlertPayload) Result {
	if c.server == nil {
		return errResult("broadcast server not configured")
	}
	c.server.Broadcast(p)
	return okResult()
}

// GetPort reports the configured broadcast port. When the server is running
// its live port is reported, which may differ from the persisted setting
// until the next restart.
func (c *Controller) GetPort() PortResult {
	if live := c.livePort(); live != 0 {
		return PortResult{Result: okResult(), Port: live}
	}
	port, err := c.configuredPort()
	if err != nil {
		return PortResult{Result: errResult("read settings: %v", err)}
	}
	return PortResult{Result: okResult(), Port: port}
}

// SetPort persists a new broadcast port. The change takes effect on the next
// Restart; the running server is left untouched.
func (c *Controller) SetPort(port int) Result {
	if port < 1 || port > 65535 {
		return errResult("port %d out of range (1-65535)", port)
	}
	if c.store == nil {
		return errResult("store not configured")
	}
	if err := c.store.WriteSettings(store.Settings{BroadcastPort: port}); err != nil {
		return errResult("persist settings: %v", err)
	}
	log.Info().Int("port", port).Msg("broadcast port updated")
	return okResult()
}

// Restart stops the broadcast server and starts it again on the configured
// port, returning the port it bound. Overlay clients reconnect on their own.
func (c *Controller) Restart(ctx context.Context) PortResult {
	if c.server == nil {
		return PortResult{Result: errResult("broadcast server not configured")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.server.Stop(ctx); err != nil {
		return PortResult{Result: errResult("stop server: %v", err)}
	}
	port, err := c.configuredPort()
	if err != nil {
		return PortResult{Result: errResult("read settings: %v", err)}
	}
	bound, err := c.server.Start(port)
	if err != nil {
		return PortResult{Result: errResult("start server: %v", err)}
	}
	log.Info().Int("port", bound).Msg("broadcast server restarted")
	return PortResult{Result: okResult(), Port: bound}
}

// SaveTemplate creates or overwrites an alert template.
func (c *Controller) SaveTemplate(tpl domain.AlertTemplate) Result {
	if c.store == nil {
		return errResult("store not configured")
	}
	id := strings.TrimSpace(tpl.ID)
	if id == "" {
		return errResult("template id required")
	}
	tpl.ID = id
	if err := c.store.WriteTemplate(id, tpl); err != nil {
		return errResult("save template %q: %v", id, err)
	}
	return okResult()
}

// LoadTemplate fetches an alert template by id. A missing template yields
// OK with a nil Template.
func (c *Controller) LoadTemplate(id string) TemplateResult {
	if c.store == nil {
		return TemplateResult{Result: errResult("store not configured")}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return TemplateResult{Result: errResult("template id required")}
	}
	tpl, err := c.store.ReadTemplate(id)
	if err != nil {
		return TemplateResult{Result: errResult("load template %q: %v", id, err)}
	}
	return TemplateResult{Result: okResult(), Template: tpl}
}

// configuredPort resolves the persisted port, falling back to the default.
func (c *Controller) configuredPort() (int, error) {
	if c.store == nil {
		return c.defaultPort, nil
	}
	s, err := c.store.ReadSettings(store.Settings{BroadcastPort: c.defaultPort})
	if err != nil {
		return 0, err
	}
	if s.BroadcastPort == 0 {
		return c.defaultPort, nil
	}
	return s.BroadcastPort, nil
}

// livePort reports the running server's bound port, or 0.
func (c *Controller) livePort() int {
	if c.server == nil {
		return 0
	}
	return c.server.Port()
}
