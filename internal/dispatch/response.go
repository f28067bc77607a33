package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neura/neura/internal/core"
)

// Presentation defaults applied when the backend leaves a field out
const (
	DefaultEmoji = "💡"
	DefaultLang  = "en"
)

type eventTrigger struct {
	Prompt   string `json:"prompt"`
	Text     string `json:"text"`
	Emoji    string `json:"emoji"`
	Lang     string `json:"lang"`
	AudioURL string `json:"audio_url"`
}

type promptBody struct {
	EventTrigger json.RawMessage `json:"event_trigger"`
	Prompt       string          `json:"prompt"`
	Text         string          `json:"text"`
	Emoji        string          `json:"emoji"`
	Lang         string          `json:"lang"`
}

// parsePrompt extracts a trigger from a push-mobile response. The nested
// event_trigger.prompt wins over a top-level prompt, which wins over text.
func parsePrompt(body []byte) (*core.TriggerResult, error) {
	var b promptBody
	if err := decode(body, &b); err != nil {
		return nil, err
	}

	r := core.TriggerResult{Emoji: b.Emoji, Lang: b.Lang}
	if t := nestedTrigger(b.EventTrigger); t != nil {
		r.Text = firstNonEmpty(t.Prompt, t.Text)
		r.Emoji = firstNonEmpty(t.Emoji, r.Emoji)
		r.Lang = firstNonEmpty(t.Lang, r.Lang)
		r.AudioURL = t.AudioURL
	}
	r.Text = firstNonEmpty(r.Text, b.Prompt, b.Text)

	if strings.TrimSpace(r.Text) == "" {
		return nil, nil
	}
	return &r, nil
}

// nestedTrigger decodes event_trigger when it is an object. Any other
// shape is ignored so the top-level fields still apply.
func nestedTrigger(raw json.RawMessage) *eventTrigger {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var t eventTrigger
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil
	}
	return &t
}

type travelBody struct {
	IsTravelMode bool   `json:"is_travel_mode"`
	CityName     string `json:"city_name"`
	Tips         string `json:"tips"`
	TipsAudioURL string `json:"tips_audio_url"`
}

// parseTravel extracts a travel tip. Responses without is_travel_mode carry
// no trigger.
func parseTravel(body []byte) (*core.TriggerResult, error) {
	var b travelBody
	if err := decode(body, &b); err != nil {
		return nil, err
	}
	if !b.IsTravelMode {
		return nil, nil
	}

	return &core.TriggerResult{
		Text:     b.Tips,
		City:     b.CityName,
		Tips:     b.Tips,
		AudioURL: b.TipsAudioURL,
	}, nil
}

// parseNudge reads a check-nudge response, applying emoji and lang defaults
func parseNudge(body []byte) (*core.TriggerResult, error) {
	var b struct {
		Text  string `json:"text"`
		Emoji string `json:"emoji"`
		Lang  string `json:"lang"`
	}
	if err := decode(body, &b); err != nil {
		return nil, err
	}
	if b.Text == "" {
		return nil, nil
	}

	return &core.TriggerResult{
		Text:  b.Text,
		Emoji: firstNonEmpty(b.Emoji, DefaultEmoji),
		Lang:  firstNonEmpty(b.Lang, DefaultLang),
	}, nil
}

func parseContacts(body []byte) ([]string, error) {
	var b struct {
		Contacts []struct {
			Phone string `json:"phone"`
		} `json:"contacts"`
	}
	if err := decode(body, &b); err != nil {
		return nil, err
	}

	phones := make([]string, 0, len(b.Contacts))
	for _, c := range b.Contacts {
		if p := strings.TrimSpace(c.Phone); p != "" {
			phones = append(phones, p)
		}
	}
	return phones, nil
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", core.ErrMalformedResponse)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformedResponse, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
