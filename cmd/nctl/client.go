package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// client talks to the daemon's local API
type client struct {
	http *resty.Client
}

func newClient(addr string) *client {
	return &client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(addr, "/")+"/api/v1").
			SetTimeout(10*time.Second).
			SetHeader("Accept", "application/json"),
	}
}

// call sends body (may be nil) and decodes the JSON response into out (may
// be nil). Non-2xx responses become errors carrying the server message.
func (c *client) call(method, path string, body, out interface{}) error {
	req := c.http.R()
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("cannot reach neura daemon: %w", err)
	}
	if resp.IsError() {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}

	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// settingKinds maps each settable key to whether it is boolean
var settingKinds = map[string]bool{
	"onboarding_completed":   true,
	"smart_tracking_enabled": true,
	"voice_nudges_enabled":   true,
	"active_mode":            false,
	"preferred_lang":         false,
	"voice":                  false,
}

// parseSetting builds the PUT /settings body for one key
func parseSetting(key, value string) (map[string]interface{}, error) {
	isBool, ok := settingKinds[key]
	if !ok {
		return nil, fmt.Errorf("unknown setting %q", key)
	}
	if !isBool {
		return map[string]interface{}{key: value}, nil
	}

	switch strings.ToLower(value) {
	case "on", "yes":
		return map[string]interface{}{key: true}, nil
	case "off", "no":
		return map[string]interface{}{key: false}, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%s expects true or false, got %q", key, value)
	}
	return map[string]interface{}{key: b}, nil
}

// parsePairs turns key=value arguments into a push payload
func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}
