// Package push interprets inbound push messages and keeps the push token
// registered with the backend.
package push

import (
	"context"
	"fmt"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/notifier"
)

// Route is the interpretation chosen for a push payload
type Route string

const (
	RouteNudgeFallback Route = "nudge_fallback"
	RouteTravelTip     Route = "travel_tip"
	RouteNudge         Route = "nudge"
	RouteHourlyNudge   Route = "hourly_nudge"
	RouteIgnored       Route = "ignored"
)

// Payload defaults
const (
	DefaultNudgeEmoji  = "💡"
	DefaultHourlyEmoji = "⏰"
	DefaultLang        = "en"
)

// Publisher fans triggers out locally
type Publisher interface {
	Publish(result core.TriggerResult, kind core.MessageKind) notifier.Message
}

// Backend is the subset of the dispatcher the router calls
type Backend interface {
	CheckNudge(ctx context.Context, id core.DeviceIdentity) (*core.TriggerResult, error)
	UpdateFCMToken(ctx context.Context, id core.DeviceIdentity, token string) error
}

// IdentityLoader supplies credentials for backend calls
type IdentityLoader interface {
	Load(ctx context.Context) (core.DeviceIdentity, error)
}

// Router dispatches push payloads by key presence
type Router struct {
	backend  Backend
	identity IdentityLoader
	pub      Publisher
	log      *logging.Logger
}

// NewRouter creates a router
func NewRouter(backend Backend, identity IdentityLoader, pub Publisher) *Router {
	return &Router{
		backend:  backend,
		identity: identity,
		pub:      pub,
		log:      logging.Component("push"),
	}
}

// Classify picks the route for data. The first matching rule wins:
// screen=nudge, then city_name+tips, then nudge_text, then hourly_text.
func Classify(data map[string]string) Route {
	switch {
	case data["screen"] == "nudge":
		return RouteNudgeFallback
	case data["city_name"] != "" && data["tips"] != "":
		return RouteTravelTip
	case data["nudge_text"] != "":
		return RouteNudge
	case data["hourly_text"] != "":
		return RouteHourlyNudge
	}
	return RouteIgnored
}

// Handle routes one push payload
func (r *Router) Handle(ctx context.Context, data map[string]string) (Route, error) {
	route := Classify(data)
	log := r.log.WithField("route", route)

	switch route {
	case RouteNudgeFallback:
		if _, err := r.NudgeFallback(ctx, core.MsgNudge); err != nil {
			log.Warn("Nudge fallback failed: %v", err)
			return route, err
		}

	case RouteTravelTip:
		r.pub.Publish(core.TriggerResult{
			Text:     data["tips"],
			City:     data["city_name"],
			Tips:     data["tips"],
			AudioURL: data["tips_audio_url"],
		}, core.MsgTravelTip)

	case RouteNudge:
		r.pub.Publish(core.TriggerResult{
			Text:  data["nudge_text"],
			Emoji: valueOr(data, "emoji", DefaultNudgeEmoji),
			Lang:  valueOr(data, "lang", DefaultLang),
		}, core.MsgNudge)

	case RouteHourlyNudge:
		r.pub.Publish(core.TriggerResult{
			Text:  data["hourly_text"],
			Emoji: valueOr(data, "hourly_emoji", DefaultHourlyEmoji),
			Lang:  valueOr(data, "hourly_lang", DefaultLang),
		}, core.MsgHourlyNudge)

	default:
		log.Debug("Push payload matched no route")
	}

	return route, nil
}

// NudgeFallback asks the backend for a pending nudge and publishes it as
// kind. It reports whether anything was published.
func (r *Router) NudgeFallback(ctx context.Context, kind core.MessageKind) (bool, error) {
	id, err := r.identity.Load(ctx)
	if err != nil {
		return false, err
	}

	result, err := r.backend.CheckNudge(ctx, id)
	if err != nil {
		return false, err
	}
	if result == nil || result.Text == "" {
		return false, nil
	}

	r.pub.Publish(*result, kind)
	return true, nil
}

// OnNewToken registers a refreshed push token with the backend
func (r *Router) OnNewToken(ctx context.Context, token string) error {
	id, err := r.identity.Load(ctx)
	if err != nil {
		r.log.Debug("Token refresh skipped: %v", err)
		return err
	}

	if err := r.backend.UpdateFCMToken(ctx, id, token); err != nil {
		r.log.Warn("Token update failed: %v", err)
		return fmt.Errorf("update fcm token: %w", err)
	}
	r.log.Info("Push token updated")
	return nil
}

func valueOr(data map[string]string, key, def string) string {
	if v, ok := data[key]; ok && v != "" {
		return v
	}
	return def
}
