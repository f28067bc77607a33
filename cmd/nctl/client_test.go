package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseSetting(t *testing.T) {
	tests := []struct {
		key, value string
		want       interface{}
		wantErr    bool
	}{
		{"onboarding_completed", "true", true, false},
		{"smart_tracking_enabled", "off", false, false},
		{"voice_nudges_enabled", "yes", true, false},
		{"active_mode", "ambient", "ambient", false},
		{"preferred_lang", "hi", "hi", false},
		{"voice_nudges_enabled", "maybe", nil, true},
		{"volume", "11", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseSetting(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got[tt.key] != tt.want {
				t.Errorf("parseSetting() = %v, want %v", got[tt.key], tt.want)
			}
		})
	}
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"nudge_text=Time to stretch", "tips=a=b", "empty="})
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got["nudge_text"] != "Time to stretch" || got["tips"] != "a=b" || got["empty"] != "" {
		t.Errorf("parsePairs() = %v", got)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parsePairs([]string{bad}); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}

func TestClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/mute":
			var body map[string]bool
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(map[string]bool{"muted": body["muted"]})
		case "/api/v1/pipeline/location/run":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "cycle already in flight"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL + "/")

	var resp map[string]bool
	if err := c.call("POST", "/mute", map[string]bool{"muted": true}, &resp); err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if !resp["muted"] {
		t.Errorf("resp = %v", resp)
	}

	err := c.call("POST", "/pipeline/location/run", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "cycle already in flight") {
		t.Errorf("error = %v, want server message", err)
	}

	if err := c.call("GET", "/nope", nil, nil); err == nil {
		t.Error("404 should be an error")
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := newClient("http://127.0.0.1:1")
	if err := c.call("GET", "/status", nil, nil); err == nil || !strings.Contains(err.Error(), "cannot reach") {
		t.Errorf("error = %v", err)
	}
}
