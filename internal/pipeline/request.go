package pipeline

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// Options is the loosely typed form of a Request accepted from the HTTP API
// and the bus. Nil pointers take the configured defaults.
type Options struct {
	Text          string   `json:"text"`
	Mode          string   `json:"mode,omitempty"`
	Voice         string   `json:"voice,omitempty"`
	RefAudioID    string   `json:"ref_audio_id,omitempty"`
	Speed         *float64 `json:"speed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	BoundaryGapMS *int     `json:"boundary_gap_ms,omitempty"`
	AllowPartial  bool     `json:"allow_partial,omitempty"`
}

// BuildRequest resolves opts against the configured defaults. An empty mode
// means clone when a reference id is given and preset otherwise.
func (o *Orchestrator) BuildRequest(opts Options) (Request, error) {
	req := Request{
		Text:          opts.Text,
		Speed:         o.cfg.DefaultSpeed,
		Temperature:   o.cfg.DefaultTemperature,
		BoundaryGapMS: o.cfg.BoundaryGapMS,
		AllowPartial:  opts.AllowPartial,
	}
	if opts.Speed != nil {
		req.Speed = *opts.Speed
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.BoundaryGapMS != nil {
		req.BoundaryGapMS = *opts.BoundaryGapMS
	}

	mode := tts.VoiceKind(strings.ToLower(strings.TrimSpace(opts.Mode)))
	if mode == "" {
		mode = tts.VoicePreset
		if strings.TrimSpace(opts.RefAudioID) != "" {
			mode = tts.VoiceCloned
		}
	}
	switch mode {
	case tts.VoicePreset:
		voice := strings.TrimSpace(opts.Voice)
		if voice == "" {
			voice = o.defaultVoice
		}
		req.Voice = tts.PresetVoice(voice)
	case tts.VoiceCloned:
		req.Voice = tts.ClonedVoice(strings.TrimSpace(opts.RefAudioID))
	default:
		return Request{}, fmt.Errorf("voice mode %q must be preset or clone: %w", opts.Mode, errs.ErrInvalidParameter)
	}
	return req, nil
}
