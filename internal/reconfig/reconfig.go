package reconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrMalformedReconfiguration marks a payload that could not be parsed or
// carried out-of-range values. The whole request is ignored.
var ErrMalformedReconfiguration = errors.New("malformed reconfiguration")

// Emotions accepted in voice_settings
var Emotions = map[string]bool{
	"neutral": true,
	"calm":    true,
	"joy":     true,
	"sadness": true,
	"anger":   true,
	"fear":    true,
	"excited": true,
}

// Voice setting bounds
const (
	MinSpeed  = 0.5
	MaxSpeed  = 2.0
	MinVolume = 0.5 // 0 reads as unset in generation_config
	MaxVolume = 2.0
)

// transcriptionOverrides lists codes that do not map by truncation
var transcriptionOverrides = map[string]string{
	"vls-BE": "nl",
}

// TranscriptionCode maps a language code to the recognizer's code: the
// override table first, otherwise everything before the first '-'.
func TranscriptionCode(code string) string {
	if mapped, ok := transcriptionOverrides[code]; ok {
		return mapped
	}
	if i := strings.IndexByte(code, '-'); i >= 0 {
		return code[:i]
	}
	return code
}

// LanguageChange is a partial language pair update
type LanguageChange struct {
	Source *string `json:"source_language,omitempty"`
	Target *string `json:"target_language,omitempty"`
}

// VoiceChange is a partial voice style update
type VoiceChange struct {
	Speed   *float64 `json:"speed,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
	Emotion *string  `json:"emotion,omitempty"`
}

// Request is one parsed control payload. Nil fields mean unchanged.
type Request struct {
	Languages *LanguageChange `json:"translation_config,omitempty"`
	Voice     *VoiceChange    `json:"voice_settings,omitempty"`
}

// Empty reports whether the request changes nothing
func (r Request) Empty() bool {
	return r.Languages == nil && r.Voice == nil
}

// Parse decodes a metadata payload. Unknown top-level keys are ignored.
// Payloads without either sub-object yield an empty request and no error.
func Parse(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedReconfiguration, err)
	}

	if l := req.Languages; l != nil {
		if l.Source != nil {
			s := strings.TrimSpace(*l.Source)
			l.Source = &s
		}
		if l.Target != nil {
			t := strings.TrimSpace(*l.Target)
			if t == "" {
				return Request{}, fmt.Errorf("%w: target_language cannot be empty", ErrMalformedReconfiguration)
			}
			l.Target = &t
		}
		if l.Source == nil && l.Target == nil {
			req.Languages = nil
		}
	}

	if req.Voice != nil {
		if err := NormalizeVoice(req.Voice); err != nil {
			return Request{}, err
		}
		if req.Voice.Speed == nil && req.Voice.Volume == nil && req.Voice.Emotion == nil {
			req.Voice = nil
		}
	}

	return req, nil
}

// NormalizeVoice checks voice values against the accepted ranges and
// lowercases the emotion tag.
func NormalizeVoice(v *VoiceChange) error {
	if v.Speed != nil && (*v.Speed < MinSpeed || *v.Speed > MaxSpeed) {
		return fmt.Errorf("%w: speed %.2f outside [%.1f, %.1f]", ErrMalformedReconfiguration, *v.Speed, MinSpeed, MaxSpeed)
	}
	if v.Volume != nil && (*v.Volume < MinVolume || *v.Volume > MaxVolume) {
		return fmt.Errorf("%w: volume %.2f outside [%.1f, %.1f]", ErrMalformedReconfiguration, *v.Volume, MinVolume, MaxVolume)
	}
	if v.Emotion != nil {
		e := strings.ToLower(strings.TrimSpace(*v.Emotion))
		if !Emotions[e] {
			return fmt.Errorf("%w: unknown emotion %q", ErrMalformedReconfiguration, *v.Emotion)
		}
		v.Emotion = &e
	}
	return nil
}

// Merge applies newer over older field by field, so a later request
// supersedes only the fields it sets.
func Merge(older, newer Request) Request {
	out := older

	if newer.Languages != nil {
		l := LanguageChange{}
		if older.Languages != nil {
			l = *older.Languages
		}
		if newer.Languages.Source != nil {
			l.Source = newer.Languages.Source
		}
		if newer.Languages.Target != nil {
			l.Target = newer.Languages.Target
		}
		out.Languages = &l
	}

	if newer.Voice != nil {
		v := VoiceChange{}
		if older.Voice != nil {
			v = *older.Voice
		}
		if newer.Voice.Speed != nil {
			v.Speed = newer.Voice.Speed
		}
		if newer.Voice.Volume != nil {
			v.Volume = newer.Voice.Volume
		}
		if newer.Voice.Emotion != nil {
			v.Emotion = newer.Voice.Emotion
		}
		out.Voice = &v
	}

	return out
}

// Pending holds at most one request waiting for the next turn boundary
type Pending struct {
	req Request
	set bool
	mu  sync.Mutex
}

// Offer stores a request, merging it over any request already waiting
func (p *Pending) Offer(req Request) {
	if req.Empty() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.set {
		p.req = Merge(p.req, req)
	} else {
		p.req = req
		p.set = true
	}
}

// Take removes and returns the waiting request
func (p *Pending) Take() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.set {
		return Request{}, false
	}
	req := p.req
	p.req = Request{}
	p.set = false
	return req, true
}

// Waiting reports whether a request is queued
func (p *Pending) Waiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}
