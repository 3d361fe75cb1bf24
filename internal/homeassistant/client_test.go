package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VickoT/FamilyDash/internal/httpkit"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", 2*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"running", 200, `{"message":"API running."}`, false},
		{"unexpected message", 200, `{"message":"starting"}`, true},
		{"unauthorized", 401, `401: Unauthorized`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/" {
					t.Errorf("path = %q, want /api/", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer secret" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := c.Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Ping() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states/sensor.hallway_temperature" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{
			"entity_id": "sensor.hallway_temperature",
			"state": "21.4",
			"attributes": {"friendly_name": "Hallway", "unit_of_measurement": "°C"},
			"last_changed": "2026-01-10T08:00:00Z",
			"last_updated": "2026-01-10T08:00:00Z"
		}`))
	})

	st, err := c.GetState(context.Background(), "sensor.hallway_temperature")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.State != "21.4" || st.FriendlyName() != "Hallway" {
		t.Errorf("state = %+v", st)
	}
	if st.LastChanged.IsZero() {
		t.Error("LastChanged not parsed")
	}
}

func TestGetState_InvalidID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an invalid id")
	})
	for _, id := range []string{"", "sensor", "sensor.a.b", "../config", "Sensor.X"} {
		if _, err := c.GetState(context.Background(), id); err == nil {
			t.Errorf("GetState(%q) should fail", id)
		}
	}
}

func TestGetState_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Entity not found."}`))
	})
	_, err := c.GetState(context.Background(), "sensor.missing")
	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("error = %v, want 404 StatusError", err)
	}
}

func TestCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`[]`))
	})

	err := c.CallService(context.Background(), "script", "call_anne", map[string]any{"source": "dashboard"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/api/services/script/call_anne" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["source"] != "dashboard" {
		t.Errorf("body = %v", gotBody)
	}

	if err := c.CallService(context.Background(), "script", "", nil); err == nil {
		t.Error("CallService with empty service should fail")
	}
	if err := c.CallService(context.Background(), "script/../x", "y", nil); err == nil {
		t.Error("CallService with path characters should fail")
	}
}

func TestCallService_NilData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if strings.TrimSpace(string(b)) != "{}" {
			t.Errorf("body = %q, want {}", b)
		}
	})
	if err := c.CallService(context.Background(), "light", "toggle", nil); err != nil {
		t.Fatalf("CallService: %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient("", "", time.Second, slog.Default())
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Ping() = %v, want ErrNotConfigured", err)
	}
	var nilClient *Client
	if err := nilClient.CallService(context.Background(), "light", "toggle", nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("nil CallService() = %v, want ErrNotConfigured", err)
	}
}
