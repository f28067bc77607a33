// Package dispatch sends outbound events to the backend and turns its
// responses into trigger results.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/identity"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/metrics"
	"github.com/neura/neura/internal/storage"
)

// Backend endpoints
const (
	EndpointPushMobile  = "/event/push-mobile"
	EndpointCheckTravel = "/event/check-travel"
	EndpointCheckNudge  = "/event/check-nudge"
	EndpointSOSContacts = "/safety/list-sos-contacts"
	EndpointFCMToken    = "/user/update-fcm-token"
)

// DefaultTimeout bounds every backend call
const DefaultTimeout = 15 * time.Second

// EndpointFor maps an event type to its backend endpoint. Wakeword events
// have none; they are presented locally.
func EndpointFor(t core.EventType) (string, bool) {
	switch t {
	case core.EventForegroundApp, core.EventSensorContext:
		return EndpointPushMobile, true
	case core.EventTravelCheck:
		return EndpointCheckTravel, true
	}
	return "", false
}

// Config configures the backend client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MinSpacing time.Duration // per endpoint; zero disables the guard
	Transport  http.RoundTripper
}

// Journal records dispatch outcomes
type Journal interface {
	Record(ctx context.Context, r storage.DispatchRecord) error
}

// Option customises a Client
type Option func(*Client)

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithJournal attaches an outcome journal
func WithJournal(j Journal) Option {
	return func(c *Client) { c.journal = j }
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	http    *resty.Client
	spacing time.Duration
	metrics *metrics.Metrics
	journal Journal
	log     *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a client
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetTransport(otelhttp.NewTransport(transport)).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	c := &Client{
		http:     hc,
		spacing:  cfg.MinSpacing,
		log:      logging.Component("dispatch"),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts event to its endpoint and parses an optional trigger from the
// response. Non-2xx and unparseable responses yield (nil, nil). Transport
// failures yield a *core.DispatchError matching core.ErrNetworkFailure.
func (c *Client) Send(ctx context.Context, ev core.OutboundEvent, id core.DeviceIdentity) (*core.TriggerResult, error) {
	endpoint, ok := EndpointFor(ev.EventType)
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint for event type %q", core.ErrInvalidInput, ev.EventType)
	}

	var body any = ev
	if ev.EventType == core.EventTravelCheck {
		body = map[string]any{
			"lat":       ev.Metadata["lat"],
			"lon":       ev.Metadata["lon"],
			"device_id": id.DeviceID,
		}
	} else if ev.DeviceID == "" {
		ev.DeviceID = id.DeviceID
		body = ev
	}

	resp, err := c.do(ctx, string(ev.EventType), endpoint, id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Post(endpoint)
	})
	if err != nil || resp == nil {
		return nil, err
	}

	var result *core.TriggerResult
	var perr error
	if ev.EventType == core.EventTravelCheck {
		result, perr = parseTravel(resp.Body())
	} else {
		result, perr = parsePrompt(resp.Body())
	}
	c.finish(ctx, string(ev.EventType), endpoint, resp, result, perr)
	if perr != nil {
		c.log.WithField("endpoint", endpoint).Debug("Ignoring response: %v", perr)
	}
	return result, nil
}

// CheckNudge asks the backend for a pending nudge
func (c *Client) CheckNudge(ctx context.Context, id core.DeviceIdentity) (*core.TriggerResult, error) {
	resp, err := c.do(ctx, "check_nudge", EndpointCheckNudge, id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("device_id", id.DeviceID).Get(EndpointCheckNudge)
	})
	if err != nil || resp == nil {
		return nil, err
	}

	result, perr := parseNudge(resp.Body())
	c.finish(ctx, "check_nudge", EndpointCheckNudge, resp, result, perr)
	return result, nil
}

// ListSOSContacts returns the phone numbers registered for SOS escalation
func (c *Client) ListSOSContacts(ctx context.Context, id core.DeviceIdentity) ([]string, error) {
	resp, err := c.do(ctx, "sos_contacts", EndpointSOSContacts, id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{"device_id": id.DeviceID}).Post(EndpointSOSContacts)
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}

	phones, perr := parseContacts(resp.Body())
	c.record(ctx, "sos_contacts", EndpointSOSContacts, resp.StatusCode(), resultFor(perr, len(phones) > 0), resp.Time())
	if perr != nil {
		return nil, &core.DispatchError{Endpoint: EndpointSOSContacts, Kind: core.ErrMalformedResponse, Err: perr}
	}
	return phones, nil
}

// UpdateFCMToken registers a new push token for the device
func (c *Client) UpdateFCMToken(ctx context.Context, id core.DeviceIdentity, token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty fcm token", core.ErrInvalidInput)
	}

	resp, err := c.do(ctx, "fcm_token", EndpointFCMToken, id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{
			"device_id": id.DeviceID,
			"fcm_token": token,
		}).Post(EndpointFCMToken)
	})
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("update fcm token: backend rejected the request")
	}
	c.record(ctx, "fcm_token", EndpointFCMToken, resp.StatusCode(), metrics.ResultEmpty, resp.Time())
	return nil
}

// do runs the shared preamble of every call: credentials, spacing guard,
// bearer auth and transport error mapping. A nil response with a nil error
// means the backend answered with a non-2xx status.
func (c *Client) do(ctx context.Context, eventType, endpoint string, id core.DeviceIdentity,
	call func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {

	if !id.Valid() {
		c.record(ctx, eventType, endpoint, 0, metrics.ResultNoAuth, 0)
		return nil, &core.DispatchError{Endpoint: endpoint, Kind: core.ErrStaleCredentials}
	}
	if !c.allow(endpoint) {
		c.record(ctx, eventType, endpoint, 0, metrics.ResultLimited, 0)
		return nil, &core.DispatchError{Endpoint: endpoint, Kind: core.ErrRateLimited}
	}

	tok, err := identity.TokenSource(id).Token()
	if err != nil {
		return nil, &core.DispatchError{Endpoint: endpoint, Kind: core.ErrStaleCredentials, Err: err}
	}

	start := time.Now()
	req := c.http.R().
		SetContext(ctx).
		SetAuthScheme(tok.Type()).
		SetAuthToken(tok.AccessToken)

	resp, err := call(req)
	if err != nil {
		c.record(ctx, eventType, endpoint, 0, metrics.ResultNetwork, time.Since(start))
		c.log.WithField("endpoint", endpoint).Warn("Backend call failed: %v", err)
		return nil, &core.DispatchError{Endpoint: endpoint, Kind: core.ErrNetworkFailure, Err: err}
	}

	if !resp.IsSuccess() {
		c.record(ctx, eventType, endpoint, resp.StatusCode(), metrics.ResultHTTPError, resp.Time())
		c.log.WithFields(map[string]interface{}{
			"endpoint": endpoint,
			"status":   resp.StatusCode(),
		}).Debug("Backend returned non-success status")
		return nil, nil
	}
	return resp, nil
}

func (c *Client) finish(ctx context.Context, eventType, endpoint string, resp *resty.Response, result *core.TriggerResult, perr error) {
	c.record(ctx, eventType, endpoint, resp.StatusCode(), resultFor(perr, result != nil), resp.Time())
}

func resultFor(perr error, got bool) string {
	switch {
	case perr != nil:
		return metrics.ResultMalformed
	case got:
		return metrics.ResultTrigger
	default:
		return metrics.ResultEmpty
	}
}

func (c *Client) record(ctx context.Context, eventType, endpoint string, status int, result string, elapsed time.Duration) {
	c.metrics.Dispatch(endpoint, result, elapsed)
	if c.journal == nil {
		return
	}
	err := c.journal.Record(ctx, storage.DispatchRecord{
		EventType:  eventType,
		Endpoint:   endpoint,
		Result:     result,
		StatusCode: status,
	})
	if err != nil {
		c.log.Debug("Failed to journal dispatch: %v", err)
	}
}

// allow enforces the minimum spacing per endpoint. Refused calls are
// dropped, never queued.
func (c *Client) allow(endpoint string) bool {
	if c.spacing <= 0 {
		return true
	}

	c.mu.Lock()
	lim, ok := c.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.spacing), 1)
		c.limiters[endpoint] = lim
	}
	c.mu.Unlock()

	return lim.Allow()
}
