package presenter

import (
	"context"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/notifier"
	"github.com/neura/neura/internal/storage"
)

// Fallbacks used when a trigger leaves a field empty
const (
	DefaultEmoji       = "💡"
	DefaultText        = "Here’s something for you"
	DefaultLang        = "en"
	WakewordGreeting   = "Hi, I'm listening"
	UnknownCity        = "Unknown"
	travelEmojiPrefix  = "📍 "
	sosDangerMessage   = "Possible danger detected"
	unknownSOSLocation = "Unknown"
)

// Style is how the host should render a presentation
type Style string

const (
	StyleBubble Style = "bubble"
	StyleHi     Style = "hi"
	StyleSOS    Style = "sos"
)

// Presentation is what the overlay asks the host to show
type Presentation struct {
	ID        string           `json:"id"`
	Kind      core.MessageKind `json:"kind"`
	Style     Style            `json:"style"`
	Emoji     string           `json:"emoji,omitempty"`
	Text      string           `json:"text"`
	Lang      string           `json:"lang"`
	Voice     string           `json:"voice,omitempty"`
	AudioURL  string           `json:"audio_url,omitempty"`
	Speak     bool             `json:"speak"`
	StartMic  bool             `json:"start_mic,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Sink receives presentations (the WebSocket feed)
type Sink interface {
	Present(ctx context.Context, p Presentation) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, p Presentation) error

func (f SinkFunc) Present(ctx context.Context, p Presentation) error { return f(ctx, p) }

// History stores the rolling trigger log
type History interface {
	Append(ctx context.Context, e *core.HistoryEntry) error
}

// Prefs is the preference lookup the overlay needs
type Prefs interface {
	Bool(ctx context.Context, key string, def bool) (bool, error)
	String(ctx context.Context, key, def string) (string, error)
}

// OverlayKinds are the message kinds the overlay consumes
var OverlayKinds = []core.MessageKind{
	core.MsgWakeword, core.MsgNudge, core.MsgHourlyNudge, core.MsgForegroundReply,
	core.MsgTravelTip, core.MsgSOS, core.MsgNudgeFallback,
}

// Overlay records triggers into history and forwards presentations to a sink
type Overlay struct {
	history History
	prefs   Prefs
	session *Session
	sink    Sink
	sos     *SOS
	log     *logging.Logger
}

// NewOverlay wires an overlay. sos may be nil, in which case SOS messages are
// only presented.
func NewOverlay(history History, prefs Prefs, session *Session, sink Sink, sos *SOS) *Overlay {
	if session == nil {
		session = NewSession()
	}
	return &Overlay{
		history: history,
		prefs:   prefs,
		session: session,
		sink:    sink,
		sos:     sos,
		log:     logging.Component("presenter"),
	}
}

// Run consumes sub until ctx is done or the subscription closes
func (o *Overlay) Run(ctx context.Context, sub *notifier.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			o.Handle(ctx, msg)
		}
	}
}

// Handle presents one message. It returns false when the message carries
// nothing to show.
func (o *Overlay) Handle(ctx context.Context, msg notifier.Message) (Presentation, bool) {
	p, historyType, ok := o.build(ctx, msg)
	if !ok {
		return p, false
	}

	if historyType != "" && o.history != nil {
		entry := &core.HistoryEntry{Type: historyType, Emoji: p.Emoji, Text: p.Text}
		if err := o.history.Append(ctx, entry); err != nil {
			o.log.Warn("Failed to record history: %v", err)
		}
	}

	if o.sink != nil {
		if err := o.sink.Present(ctx, p); err != nil {
			o.log.WithField("kind", msg.Kind).Debug("Sink rejected presentation: %v", err)
		}
	}
	return p, true
}

func (o *Overlay) build(ctx context.Context, msg notifier.Message) (Presentation, string, bool) {
	r := msg.Result
	p := Presentation{
		ID:        msg.ID,
		Kind:      msg.Kind,
		Style:     StyleBubble,
		Timestamp: msg.CreatedAt,
		Voice:     o.prefString(ctx, storage.PrefVoice, "male"),
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	switch msg.Kind {
	case core.MsgWakeword:
		p.Style = StyleHi
		p.Text = orDefault(r.Text, WakewordGreeting)
		p.Lang = orDefault(r.Lang, DefaultLang)
		p.Speak = true
		p.StartMic = true
		return p, "", true

	case core.MsgSOS:
		location := orDefault(r.City, unknownSOSLocation)
		p.Style = StyleSOS
		p.Emoji = "⚠️"
		p.Text = orDefault(r.Text, sosDangerMessage)
		p.Lang = DefaultLang
		if o.sos != nil {
			if _, err := o.sos.Trigger(ctx, location); err != nil {
				o.log.Info("SOS not started: %v", err)
			}
		}
		return p, "", true

	case core.MsgTravelTip:
		if r.Tips == "" {
			return p, "", false
		}
		p.Emoji = travelEmojiPrefix + orDefault(r.City, UnknownCity)
		p.Text = r.Tips
		p.Lang = DefaultLang
		p.AudioURL = r.AudioURL
		p.Speak = o.voiceAllowed(ctx)
		return p, "travel", true

	case core.MsgNudge, core.MsgNudgeFallback, core.MsgHourlyNudge, core.MsgForegroundReply:
		p.Emoji = orDefault(r.Emoji, DefaultEmoji)
		p.Text = orDefault(r.Text, DefaultText)
		p.Lang = orDefault(r.Lang, DefaultLang)
		p.AudioURL = r.AudioURL
		p.Speak = o.voiceAllowed(ctx)
		return p, historyTypeFor(msg.Kind), true
	}

	o.log.Debug("Ignoring message kind %q", msg.Kind)
	return p, "", false
}

// voiceAllowed combines the persisted voice toggle with the session mute
func (o *Overlay) voiceAllowed(ctx context.Context) bool {
	if o.session.Muted() {
		return false
	}
	if o.prefs == nil {
		return true
	}
	on, err := o.prefs.Bool(ctx, storage.PrefVoiceNudges, true)
	if err != nil {
		o.log.Debug("Voice preference unreadable: %v", err)
		return true
	}
	return on
}

func (o *Overlay) prefString(ctx context.Context, key, def string) string {
	if o.prefs == nil {
		return def
	}
	v, err := o.prefs.String(ctx, key, def)
	if err != nil {
		return def
	}
	return v
}

func historyTypeFor(kind core.MessageKind) string {
	switch kind {
	case core.MsgHourlyNudge:
		return "hourly"
	case core.MsgForegroundReply:
		return "foreground"
	default:
		return "nudge"
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
