// Package homeassistant is a small Home Assistant REST client. The
// dashboard uses it to check that HA is reachable, read single entity
// states, and call services on behalf of the touch UI.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VickoT/FamilyDash/internal/httpkit"
)

// ErrNotConfigured is returned by every call on a client without a base
// URL or token.
var ErrNotConfigured = errors.New("home assistant not configured")

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the HA instance at baseURL. LAN hosts
// sometimes refuse the first dial after a network change, so requests
// that fail to connect are retried a few times.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// State is an entity state as returned by /api/states/<entity_id>.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, or the entity ID
// when none is set.
func (s State) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
		return fn
	}
	return s.EntityID
}

type apiStatus struct {
	Message string `json:"message"`
}

// Ping checks that the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var status apiStatus
	if err := c.do(ctx, http.MethodGet, "/api/", nil, &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	if !validID(entityID, true) {
		return nil, fmt.Errorf("invalid entity id %q", entityID)
	}
	var state State
	if err := c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CallService calls domain.service with data as the service payload.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if !validID(domain, false) || !validID(service, false) {
		return fmt.Errorf("invalid service %q.%q", domain, service)
	}
	if data == nil {
		data = map[string]any{}
	}
	return c.do(ctx, http.MethodPost, "/api/services/"+domain+"/"+service, data, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	if c == nil || c.baseURL == "" || c.token == "" {
		return ErrNotConfigured
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	if result == nil {
		defer httpkit.DrainAndClose(resp.Body, 4096)
		if err := httpkit.CheckResponse(resp); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		return nil
	}
	if err := httpkit.DecodeJSON(resp, result); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// validID accepts HA slugs: lowercase letters, digits and underscores,
// plus a single dot for entity IDs.
func validID(s string, entity bool) bool {
	if s == "" || url.PathEscape(s) != s {
		return false
	}
	dots := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		case r == '.' && entity:
			dots++
		default:
			return false
		}
	}
	return !entity || dots == 1
}
