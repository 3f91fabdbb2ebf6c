package domain

// DefaultAlertDuration is the on-screen duration, in milliseconds, applied
// when a template does not specify one.
const DefaultAlertDuration = 6000

// DefaultVolume is the playback volume applied when a reward mapping does
// not specify one.
const DefaultVolume = 1.0

// DefaultSoundAlertID is the well-known template id used for redemption
// alerts that have no reward-specific template.
const DefaultSoundAlertID = "default-soundAlert"

// AlertTemplate is an operator-authored alert definition stored as a per-id
// JSON document. Templates are created or overwritten by explicit saves and
// read on every alert render; they are never auto-deleted.
//
// Fields:
//   - ID: template identifier, either a reward id or a well-known default name.
//   - Text: display text; may contain ${variable} placeholders.
//   - ImageAssetRef: optional reference to an image asset shown alongside.
//   - DurationMS: on-screen duration; 0 means "use DefaultAlertDuration".
type AlertTemplate struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	ImageAssetRef string `json:"image_asset_ref,omitempty"`
	DurationMS    int    `json:"duration_ms,omitempty"`
}

// Duration returns the effective on-screen duration in milliseconds.
func (t AlertTemplate) Duration() int {
	if t.DurationMS <= 0 {
		return DefaultAlertDuration
	}
	return t.DurationMS
}

// RewardMapping binds a platform reward id to a local audio asset and its
// playback volume. Mappings are authored out-of-band by the editor UI and
// read-only from the alert processor's perspective.
type RewardMapping struct {
	RewardID  string   `json:"reward_id"`
	AssetPath string   `json:"asset_path"`
	Volume    *float64 `json:"volume,omitempty"`
}

// EffectiveVolume returns the configured volume, defaulting when absent.
func (m RewardMapping) EffectiveVolume() float64 {
	if m.Volume == nil {
		return DefaultVolume
	}
	return *m.Volume
}

// AlertAudio is the inline audio attachment of an alert payload.
type AlertAudio struct {
	Base64 string  `json:"base64"`
	Volume float64 `json:"volume"`
}

// AlertPayload is the fully resolved, self-contained object pushed to
// display clients. It is constructed fresh per event and never persisted.
// All fields besides Type are optional per alert kind.
type AlertPayload struct {
	Type         string       `json:"type"`
	TemplateID   string       `json:"templateId,omitempty"`
	ImageDataURL string       `json:"imageDataUrl,omitempty"`
	Text         string       `json:"text"`
	Duration     int          `json:"duration"`
	Audio        *AlertAudio  `json:"audio,omitempty"`
	Redemption   *Event       `json:"redemption,omitempty"`
	Chat         *ChatMessage `json:"chat,omitempty"`
}

// Payload type discriminators understood by the overlay pages.
const (
	PayloadTypeRedeem = "twitch-redeem"
	PayloadTypeChat   = "twitch-chat"
	PayloadTypeAlert  = "twitch-alert"
)
