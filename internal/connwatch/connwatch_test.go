package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	want := DefaultBackoffConfig()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	m := quietManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:     "mqtt",
		Probe:    func(context.Context) error { return nil },
		Backoff:  testBackoff(),
		OnChange: func(bool, error) { changes.Add(1) },
	})
	defer m.Stop()

	eventually(t, w.IsReady, "watcher never became ready")
	st := w.Status()
	if st.Name != "mqtt" || st.LastError != "" || st.Since.IsZero() {
		t.Errorf("Status() = %+v", st)
	}

	time.Sleep(20 * time.Millisecond)
	if n := changes.Load(); n != 1 {
		t.Errorf("OnChange called %d times, want 1 while staying ready", n)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	m := quietManager()
	w := m.Watch(ctx, WatcherConfig{
		Name: "homeassistant",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
	})
	defer m.Stop()

	eventually(t, w.IsReady, "watcher never recovered")
	if calls.Load() < 3 {
		t.Errorf("probe calls = %d, want >= 3", calls.Load())
	}
}

func TestWatcher_Transitions(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	healthy.Store(true)

	var mu sync.Mutex
	var seen []bool
	m := quietManager()
	w := m.Watch(ctx, WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("broker gone")
		},
		Backoff: testBackoff(),
		OnChange: func(ready bool, _ error) {
			mu.Lock()
			seen = append(seen, ready)
			mu.Unlock()
		},
	})
	defer m.Stop()

	eventually(t, w.IsReady, "not ready initially")
	healthy.Store(false)
	eventually(t, func() bool { return !w.IsReady() }, "did not go down")
	if st := w.Status(); st.LastError != "broker gone" {
		t.Errorf("LastError = %q", st.LastError)
	}
	healthy.Store(true)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, "recovery not reported")

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestWatcher_ExhaustsStartupRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	m := quietManager()
	w := m.Watch(ctx, WatcherConfig{
		Name: "homeassistant",
		Probe: func(context.Context) error {
			calls.Add(1)
			return errors.New("no route to host")
		},
		Backoff: testBackoff(),
	})
	defer m.Stop()

	// Startup retries, then background polling keeps probing.
	eventually(t, func() bool { return calls.Load() > 7 }, "polling did not continue after startup retries")
	if w.IsReady() {
		t.Error("watcher should not be ready")
	}
	if m.Healthy() {
		t.Error("manager should not be healthy")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	m := quietManager()
	w := m.Watch(ctx, WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})
	defer m.Stop()

	eventually(t, func() bool { return w.Status().LastError != "" }, "probe timeout not recorded")
}

func TestWatcher_StopOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := quietManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: BackoffConfig{InitialDelay: time.Hour, MaxRetries: 2},
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after context cancel")
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := quietManager()
	if !m.Healthy() {
		t.Error("empty manager should be healthy")
	}
	m.Watch(ctx, WatcherConfig{Name: "mqtt", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "homeassistant", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	defer m.Stop()

	eventually(t, m.Healthy, "manager never healthy")
	st := m.Status()
	if len(st) != 2 || st[0].Name != "homeassistant" || st[1].Name != "mqtt" {
		t.Errorf("Status() = %+v, want sorted homeassistant, mqtt", st)
	}
}

func TestManager_WatchReplaces(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := quietManager()
	first := m.Watch(ctx, WatcherConfig{Name: "mqtt", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "mqtt", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	defer m.Stop()

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher was not stopped")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("watchers = %d, want 1", n)
	}
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "mqtt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			quietManager().Watch(context.Background(), tt.cfg)
		})
	}
}
