package alerts

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ovrly/overlayd/internal/domain"
)

// TemplateSource is the slice of the store the processor reads from.
type TemplateSource interface {
	ReadTemplate(id string) (*domain.AlertTemplate, error)
	ReadMapping(rewardID string) (*domain.RewardMapping, error)
}

// Broadcaster delivers a payload to every connected display client.
// Delivery is best-effort per client and never reports an error.
type Broadcaster interface {
	Broadcast(payload domain.AlertPayload)
}

// BroadcasterProvider returns the currently running broadcast server, or nil
// when none is running. The indirection lets producers pick up a freshly
// restarted instance instead of holding a stale reference.
type BroadcasterProvider func() Broadcaster

// Template ids consumed for events that have no reward of their own.
const (
	followTemplateID       = "default-follow"
	subscriptionTemplateID = "default-subscription"
)

// Processor turns domain events into alert payloads. Each Process call is
// stateless and independent of prior calls.
type Processor struct {
	store       TemplateSource
	broadcaster BroadcasterProvider
	assetRoot   string
	log         zerolog.Logger
}

// NewProcessor constructs a Processor. assetRoot anchors relative asset
// paths from reward mappings.
func NewProcessor(store TemplateSource, broadcaster BroadcasterProvider, assetRoot string, log zerolog.Logger) *Processor {
	return &Processor{
		store:       store,
		broadcaster: broadcaster,
		assetRoot:   assetRoot,
		log:         log.With().Str("component", "alerts").Logger(),
	}
}

// Process renders and broadcasts the alert for ev. Unknown kinds are a
// no-op. A missing template degrades to a synthesized fallback; a missing
// reward mapping degrades to a silent alert; a missing audio asset or a
// missing broadcast server fails this event only.
func (p *Processor) Process(ev domain.Event) error {
	switch ev.Kind {
	case domain.KindRedemption:
		return p.processRedemption(ev)
	case domain.KindFollow:
		return p.processTemplated(ev, followTemplateID)
	case domain.KindSubscription:
		return p.processTemplated(ev, subscriptionTemplateID)
	default:
		p.log.Debug().Str("kind", string(ev.Kind)).Msg("event kind ignored")
		return nil
	}
}

func (p *Processor) processRedemption(ev domain.Event) error {
	payload := p.buildPayload(ev, ev.RewardID, domain.PayloadTypeRedeem)
	payload.Redemption = &ev

	mapping := p.lookupMapping(ev.RewardID)
	if mapping != nil {
		b64, err := p.loadAudio(mapping.AssetPath)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrAudioAsset, mapping.AssetPath, err)
		}
		payload.Audio = &domain.AlertAudio{Base64: b64, Volume: mapping.EffectiveVolume()}
	}

	return p.deliver(payload)
}

func (p *Processor) processTemplated(ev domain.Event, templateID string) error {
	payload := p.buildPayload(ev, templateID, domain.PayloadTypeAlert)
	return p.deliver(payload)
}

// buildPayload resolves the template for templateID (or the synthesized
// fallback) and performs variable substitution.
func (p *Processor) buildPayload(ev domain.Event, templateID, payloadType string) domain.AlertPayload {
	payload := domain.AlertPayload{
		Type:     payloadType,
		Duration: domain.DefaultAlertDuration,
	}

	tpl := p.lookupTemplate(templateID)
	if tpl == nil {
		payload.Text = fallbackText(ev)
		return payload
	}

	payload.TemplateID = tpl.ID
	payload.Text = substitute(tpl.Text, ev)
	payload.Duration = tpl.Duration()
	if tpl.ImageAssetRef != "" {
		if dataURL, err := p.loadImageDataURL(tpl.ImageAssetRef); err != nil {
			p.log.Warn().Err(err).Str("image", tpl.ImageAssetRef).Msg("image asset unavailable; alert emitted without it")
		} else {
			payload.ImageDataURL = dataURL
		}
	}
	return payload
}

// lookupTemplate resolves templateID, then the well-known default. A read
// failure is degraded to "no template" so the alert still goes out.
func (p *Processor) lookupTemplate(templateID string) *domain.AlertTemplate {
	for _, id := range []string{templateID, domain.DefaultSoundAlertID} {
		tpl, err := p.store.ReadTemplate(id)
		if err != nil {
			p.log.Warn().Err(err).Str("template_id", id).Msg("template unreadable; trying fallback")
			continue
		}
		if tpl != nil {
			return tpl
		}
	}
	return nil
}

// lookupMapping resolves the reward mapping, degrading any miss or read
// failure to "no audio" with a warning.
func (p *Processor) lookupMapping(rewardID string) *domain.RewardMapping {
	mapping, err := p.store.ReadMapping(rewardID)
	if err != nil {
		p.log.Warn().Err(err).Str("reward_id", rewardID).Msg("reward mapping unreadable; alert emitted without audio")
		return nil
	}
	if mapping == nil {
		p.log.Warn().Str("reward_id", rewardID).Msg("no reward mapping; alert emitted without audio")
		return nil
	}
	return mapping
}

func (p *Processor) deliver(payload domain.AlertPayload) error {
	b := p.broadcaster()
	if b == nil {
		return ErrNoBroadcaster
	}
	b.Broadcast(payload)
	return nil
}

// loadAudio reads the mapped audio asset and base64-encodes it.
func (p *Processor) loadAudio(path string) (string, error) {
	b, err := os.ReadFile(p.resolve(path))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// loadImageDataURL reads an image asset into a data: URL.
func (p *Processor) loadImageDataURL(path string) (string, error) {
	b, err := os.ReadFile(p.resolve(path))
	if err != nil {
		return "", err
	}
	return "data:" + imageMIME(path) + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

func (p *Processor) resolve(path string) string {
	if filepath.IsAbs(path) || p.assetRoot == "" {
		return path
	}
	return filepath.Join(p.assetRoot, path)
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// NewChatRelay returns a chat consumer that forwards decoded chat messages
// to the active broadcast server as twitch-chat payloads. Messages arriving
// while no server runs are dropped silently; chat is ephemeral.
func NewChatRelay(broadcaster BroadcasterProvider) func(domain.ChatMessage) {
	return func(msg domain.ChatMessage) {
		b := broadcaster()
		if b == nil {
			return
		}
		b.Broadcast(domain.AlertPayload{
			Type:     domain.PayloadTypeChat,
			Text:     msg.Message,
			Duration: domain.DefaultAlertDuration,
			Chat:     &msg,
		})
	}
}
