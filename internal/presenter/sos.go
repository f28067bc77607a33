package presenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
)

// SOS countdown defaults
const (
	DefaultSOSCountdown          = 5 * time.Second
	DefaultSOSCountdownScreenOff = 8 * time.Second
)

// ErrSOSActive is returned when an escalation is already counting down
var ErrSOSActive = errors.New("sos escalation already active")

// SOSMessage builds the text sent to every contact
func SOSMessage(location string) string {
	return fmt.Sprintf("🚨 Possible danger detected. Please help me. Location: %s", location)
}

// SMSLauncher hands a prefilled message to the host's SMS app
type SMSLauncher interface {
	Launch(ctx context.Context, phone, message string) error
}

// ContactLister fetches SOS contacts from the backend
type ContactLister interface {
	ListSOSContacts(ctx context.Context, id core.DeviceIdentity) ([]string, error)
}

// IdentityLoader returns the device identity used for the contacts call
type IdentityLoader interface {
	Load(ctx context.Context) (core.DeviceIdentity, error)
}

// SOSConfig tunes the escalation
type SOSConfig struct {
	Countdown          time.Duration
	CountdownScreenOff time.Duration
	ScreenOn           func() bool // nil means screen on
}

// SOSSession is one countdown
type SOSSession struct {
	ID        string    `json:"id"`
	Location  string    `json:"location"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}

// SOSOutcome reports how a session ended
type SOSOutcome struct {
	Session   SOSSession
	Cancelled bool
	Notified  []string
	Err       error
}

// SOS runs a cancellable countdown and then messages every contact. Only
// one session runs at a time.
type SOS struct {
	cfg      SOSConfig
	contacts ContactLister
	identity IdentityLoader
	sms      SMSLauncher
	log      *logging.Logger

	// OnDone, when set, observes every finished session
	OnDone func(SOSOutcome)

	mu     sync.Mutex
	active *SOSSession
	cancel chan struct{}
}

// NewSOS creates the escalation flow
func NewSOS(cfg SOSConfig, contacts ContactLister, identity IdentityLoader, sms SMSLauncher) *SOS {
	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultSOSCountdown
	}
	if cfg.CountdownScreenOff <= 0 {
		cfg.CountdownScreenOff = DefaultSOSCountdownScreenOff
	}
	return &SOS{
		cfg:      cfg,
		contacts: contacts,
		identity: identity,
		sms:      sms,
		log:      logging.Component("sos"),
	}
}

// Trigger starts a countdown. The countdown and escalation run in the
// background and outlive ctx; only Cancel stops them.
func (s *SOS) Trigger(ctx context.Context, location string) (SOSSession, error) {
	if location == "" {
		location = unknownSOSLocation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return *s.active, ErrSOSActive
	}

	delay := s.cfg.Countdown
	if s.cfg.ScreenOn != nil && !s.cfg.ScreenOn() {
		delay = s.cfg.CountdownScreenOff
	}

	now := time.Now()
	sess := SOSSession{
		ID:        uuid.New().String(),
		Location:  location,
		Message:   SOSMessage(location),
		StartedAt: now,
		Deadline:  now.Add(delay),
	}
	cancel := make(chan struct{})
	s.active = &sess
	s.cancel = cancel

	s.log.WithFields(map[string]interface{}{
		"session":   sess.ID,
		"countdown": delay,
	}).Warn("SOS countdown started")

	go s.countdown(context.WithoutCancel(ctx), sess, delay, cancel)
	return sess, nil
}

// Cancel aborts the active countdown. It reports whether one was running.
func (s *SOS) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return false
	}
	close(s.cancel)
	s.active = nil
	s.cancel = nil
	return true
}

// Active returns the running session, if any
func (s *SOS) Active() (SOSSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return SOSSession{}, false
	}
	return *s.active, true
}

func (s *SOS) countdown(ctx context.Context, sess SOSSession, delay time.Duration, cancel chan struct{}) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-cancel:
		s.log.WithField("session", sess.ID).Info("SOS cancelled")
		s.done(SOSOutcome{Session: sess, Cancelled: true})
		return
	case <-timer.C:
	}

	// Past this point a late Cancel has nothing to stop.
	if !s.release(sess.ID) {
		s.done(SOSOutcome{Session: sess, Cancelled: true})
		return
	}

	notified, err := s.escalate(ctx, sess)
	s.done(SOSOutcome{Session: sess, Notified: notified, Err: err})
}

// release clears the active session if it is still sess
func (s *SOS) release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.ID != id {
		return false
	}
	s.active = nil
	s.cancel = nil
	return true
}

func (s *SOS) escalate(ctx context.Context, sess SOSSession) ([]string, error) {
	if s.identity == nil || s.contacts == nil || s.sms == nil {
		return nil, fmt.Errorf("sos escalation not wired")
	}

	id, err := s.identity.Load(ctx)
	if err != nil {
		s.log.Warn("SOS escalation without credentials: %v", err)
		return nil, err
	}

	phones, err := s.contacts.ListSOSContacts(ctx, id)
	if err != nil {
		s.log.Error("SOS contacts fetch failed: %v", err)
		return nil, err
	}

	var notified []string
	for _, phone := range phones {
		if err := s.sms.Launch(ctx, phone, sess.Message); err != nil {
			s.log.WithField("phone", phone).Error("SMS launch failed: %v", err)
			continue
		}
		notified = append(notified, phone)
	}
	s.log.WithField("contacts", len(notified)).Warn("SOS escalated")
	return notified, nil
}

func (s *SOS) done(o SOSOutcome) {
	if s.OnDone != nil {
		s.OnDone(o)
	}
}
