package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/metrics"
	"github.com/neura/neura/internal/storage"
	"github.com/neura/neura/internal/testutil"
)

var testIdentity = core.DeviceIdentity{DeviceID: "dev-1", AuthToken: "tok-1"}

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

// backend is a fake server replying with a fixed status and body
func backend(t *testing.T, status int, body string) (*httptest.Server, *capturedRequest, *atomic.Int32) {
	t.Helper()
	var got capturedRequest
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		got.Method = r.Method
		got.Path = r.URL.Path
		got.Query = r.URL.RawQuery
		got.Auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		got.Body = nil
		if len(raw) > 0 {
			json.Unmarshal(raw, &got.Body)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &calls
}

func newTestClient(url string, opts ...Option) *Client {
	return New(Config{BaseURL: url, Timeout: 2 * time.Second}, opts...)
}

func foregroundEvent() core.OutboundEvent {
	return core.OutboundEvent{
		DeviceID:  "dev-1",
		EventType: core.EventForegroundApp,
		Metadata:  map[string]any{"app_name": "WhatsApp", "package_name": "com.whatsapp"},
	}
}

// =============================================================================
// Send Tests
// =============================================================================

func TestSend_PushMobileRequestShape(t *testing.T) {
	srv, got, _ := backend(t, 200, `{"event_trigger":{"prompt":"Reply to Mum?"}}`)
	c := newTestClient(srv.URL)

	result, err := c.Send(context.Background(), foregroundEvent(), testIdentity)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result == nil || result.Text != "Reply to Mum?" {
		t.Fatalf("result = %+v", result)
	}

	if got.Method != http.MethodPost || got.Path != EndpointPushMobile {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
	if got.Auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", got.Auth)
	}
	if got.Body["device_id"] != "dev-1" || got.Body["event_type"] != "foreground_app" {
		t.Errorf("body = %v", got.Body)
	}
	meta, _ := got.Body["metadata"].(map[string]any)
	if meta["package_name"] != "com.whatsapp" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestSend_PromptExtraction(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested prompt", `{"event_trigger":{"prompt":"a"},"prompt":"b"}`, "a"},
		{"top-level prompt", `{"prompt":"b","text":"c"}`, "b"},
		{"text fallback", `{"text":"c"}`, "c"},
		{"empty trigger", `{"event_trigger":{}}`, ""},
		{"no trigger", `{"status":"ok"}`, ""},
		{"string trigger keeps top-level prompt", `{"event_trigger":"none","prompt":"b"}`, "b"},
		{"null trigger keeps top-level prompt", `{"event_trigger":null,"prompt":"b"}`, "b"},
		{"array trigger keeps text", `{"event_trigger":[1,2],"text":"c"}`, "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := backend(t, 200, tt.body)
			result, err := newTestClient(srv.URL).Send(context.Background(), foregroundEvent(), testIdentity)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if tt.want == "" {
				if result != nil {
					t.Errorf("result = %+v, want nil", result)
				}
				return
			}
			if result == nil || result.Text != tt.want {
				t.Errorf("result = %+v, want text %q", result, tt.want)
			}
		})
	}
}

func TestSend_ErrorStatusNeverYieldsTrigger(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 429, 500, 502, 503} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, _, _ := backend(t, status, `{"event_trigger":{"prompt":"should be ignored"}}`)
			result, err := newTestClient(srv.URL).Send(context.Background(), foregroundEvent(), testIdentity)
			if err != nil {
				t.Errorf("Send() error = %v, want nil", err)
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
		})
	}
}

func TestSend_MalformedBody(t *testing.T) {
	for _, body := range []string{"", "not json", `{"event_trigger":`} {
		srv, _, _ := backend(t, 200, body)
		result, err := newTestClient(srv.URL).Send(context.Background(), foregroundEvent(), testIdentity)
		if err != nil || result != nil {
			t.Errorf("body %q: Send() = %+v, %v; want nil, nil", body, result, err)
		}
	}
}

func TestSend_TravelRoundTrip(t *testing.T) {
	srv, got, _ := backend(t, 200, `{
		"is_travel_mode": true,
		"city_name": "Lisbon",
		"tips": "Try the pastéis de nata",
		"tips_audio_url": "https://cdn.test/tips.mp3"
	}`)

	ev := core.OutboundEvent{
		DeviceID:  "dev-1",
		EventType: core.EventTravelCheck,
		Metadata:  map[string]any{"lat": 38.72, "lon": -9.14},
	}
	result, err := newTestClient(srv.URL).Send(context.Background(), ev, testIdentity)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Path != EndpointCheckTravel {
		t.Errorf("path = %s", got.Path)
	}
	if got.Body["lat"] != 38.72 || got.Body["lon"] != -9.14 || got.Body["device_id"] != "dev-1" {
		t.Errorf("travel body should be flat, got %v", got.Body)
	}
	if _, nested := got.Body["metadata"]; nested {
		t.Error("travel body must not nest metadata")
	}

	if result == nil {
		t.Fatal("expected a travel trigger")
	}
	if result.City != "Lisbon" || result.Tips != "Try the pastéis de nata" || result.AudioURL != "https://cdn.test/tips.mp3" {
		t.Errorf("result = %+v", result)
	}
}

func TestSend_TravelModeOff(t *testing.T) {
	srv, _, _ := backend(t, 200, `{"is_travel_mode": false, "city_name": "Home"}`)
	ev := core.OutboundEvent{EventType: core.EventTravelCheck, Metadata: map[string]any{"lat": 1.0, "lon": 1.0}}

	result, err := newTestClient(srv.URL).Send(context.Background(), ev, testIdentity)
	if err != nil || result != nil {
		t.Errorf("Send() = %+v, %v; want nil, nil", result, err)
	}
}

func TestSend_MissingIdentitySkipsNetwork(t *testing.T) {
	srv, _, calls := backend(t, 200, `{"prompt":"x"}`)
	c := newTestClient(srv.URL)

	for _, id := range []core.DeviceIdentity{{}, {DeviceID: "dev-1"}, {AuthToken: "tok"}} {
		_, err := c.Send(context.Background(), foregroundEvent(), id)
		if !errors.Is(err, core.ErrStaleCredentials) {
			t.Errorf("identity %+v: error = %v, want ErrStaleCredentials", id, err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("backend called %d times", calls.Load())
	}
}

func TestSend_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Send(context.Background(), foregroundEvent(), testIdentity)
	if !errors.Is(err, core.ErrNetworkFailure) {
		t.Fatalf("error = %v, want ErrNetworkFailure", err)
	}
	var de *core.DispatchError
	if !errors.As(err, &de) || de.Endpoint != EndpointPushMobile {
		t.Errorf("error = %#v", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Send(context.Background(), foregroundEvent(), testIdentity)
	if !errors.Is(err, core.ErrNetworkFailure) {
		t.Errorf("error = %v, want ErrNetworkFailure", err)
	}
}

func TestSend_WakewordHasNoEndpoint(t *testing.T) {
	srv, _, calls := backend(t, 200, `{}`)
	ev := core.OutboundEvent{EventType: core.EventWakeword}

	if _, err := newTestClient(srv.URL).Send(context.Background(), ev, testIdentity); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
	if calls.Load() != 0 {
		t.Error("wakeword should never reach the backend")
	}
}

func TestSend_MinSpacing(t *testing.T) {
	srv, _, calls := backend(t, 200, `{}`)
	c := New(Config{BaseURL: srv.URL, MinSpacing: time.Hour})

	if _, err := c.Send(context.Background(), foregroundEvent(), testIdentity); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if _, err := c.Send(context.Background(), foregroundEvent(), testIdentity); !errors.Is(err, core.ErrRateLimited) {
		t.Errorf("second Send() error = %v, want ErrRateLimited", err)
	}

	travel := core.OutboundEvent{EventType: core.EventTravelCheck, Metadata: map[string]any{"lat": 0.0, "lon": 0.0}}
	if _, err := c.Send(context.Background(), travel, testIdentity); err != nil {
		t.Errorf("other endpoint should have its own budget, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", calls.Load())
	}
}

func TestSend_JournalAndMetrics(t *testing.T) {
	db := testutil.TestDB(t)
	journal := storage.NewDispatchLog(db)

	srv, _, _ := backend(t, 503, ``)
	c := newTestClient(srv.URL, WithJournal(journal), WithMetrics(metrics.New()))
	c.Send(context.Background(), foregroundEvent(), testIdentity)

	recs, err := journal.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Result != metrics.ResultHTTPError || recs[0].StatusCode != 503 || recs[0].EventType != "foreground_app" {
		t.Errorf("record = %+v", recs[0])
	}
}

// =============================================================================
// Auxiliary Call Tests
// =============================================================================

func TestCheckNudge(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantNil   bool
		wantEmoji string
		wantLang  string
	}{
		{"full", `{"text":"Drink water","emoji":"💧","lang":"hi"}`, false, "💧", "hi"},
		{"defaults", `{"text":"Stretch"}`, false, "💡", "en"},
		{"empty text", `{"text":"","emoji":"💧"}`, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, got, _ := backend(t, 200, tt.body)
			result, err := newTestClient(srv.URL).CheckNudge(context.Background(), testIdentity)
			if err != nil {
				t.Fatalf("CheckNudge() error = %v", err)
			}
			if got.Method != http.MethodGet || got.Path != EndpointCheckNudge || got.Query != "device_id=dev-1" {
				t.Errorf("request = %s %s?%s", got.Method, got.Path, got.Query)
			}
			if tt.wantNil {
				if result != nil {
					t.Errorf("result = %+v, want nil", result)
				}
				return
			}
			if result == nil || result.Emoji != tt.wantEmoji || result.Lang != tt.wantLang {
				t.Errorf("result = %+v", result)
			}
		})
	}
}

func TestListSOSContacts(t *testing.T) {
	srv, got, _ := backend(t, 200, `{"contacts":[{"phone":"+911234"},{"phone":" "},{"phone":"+445678"}]}`)

	phones, err := newTestClient(srv.URL).ListSOSContacts(context.Background(), testIdentity)
	if err != nil {
		t.Fatalf("ListSOSContacts() error = %v", err)
	}
	if len(phones) != 2 || phones[0] != "+911234" || phones[1] != "+445678" {
		t.Errorf("phones = %v", phones)
	}
	if got.Body["device_id"] != "dev-1" {
		t.Errorf("body = %v", got.Body)
	}
}

func TestListSOSContacts_Malformed(t *testing.T) {
	srv, _, _ := backend(t, 200, `oops`)
	_, err := newTestClient(srv.URL).ListSOSContacts(context.Background(), testIdentity)
	if !errors.Is(err, core.ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse", err)
	}
}

func TestUpdateFCMToken(t *testing.T) {
	srv, got, _ := backend(t, 200, `{}`)
	c := newTestClient(srv.URL)

	if err := c.UpdateFCMToken(context.Background(), testIdentity, "fcm-abc"); err != nil {
		t.Fatalf("UpdateFCMToken() error = %v", err)
	}
	if got.Path != EndpointFCMToken || got.Body["fcm_token"] != "fcm-abc" || got.Body["device_id"] != "dev-1" {
		t.Errorf("request = %s %v", got.Path, got.Body)
	}

	if err := c.UpdateFCMToken(context.Background(), testIdentity, ""); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("empty token error = %v", err)
	}
}

func TestUpdateFCMToken_Rejected(t *testing.T) {
	srv, _, _ := backend(t, 401, `{}`)
	if err := newTestClient(srv.URL).UpdateFCMToken(context.Background(), testIdentity, "fcm"); err == nil {
		t.Error("expected error for rejected token update")
	}
}

func TestEndpointFor(t *testing.T) {
	tests := []struct {
		et   core.EventType
		want string
		ok   bool
	}{
		{core.EventForegroundApp, EndpointPushMobile, true},
		{core.EventSensorContext, EndpointPushMobile, true},
		{core.EventTravelCheck, EndpointCheckTravel, true},
		{core.EventWakeword, "", false},
	}
	for _, tt := range tests {
		got, ok := EndpointFor(tt.et)
		if got != tt.want || ok != tt.ok {
			t.Errorf("EndpointFor(%s) = %q, %v", tt.et, got, ok)
		}
	}
}
