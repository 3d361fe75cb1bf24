package mqtt

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestMessageRateLimiter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	rl.reset()
	if !strings.Contains(buf.String(), "dropped=1") {
		t.Errorf("expected drop summary in log, got: %s", buf.String())
	}
	if !rl.allow() {
		t.Error("first message after reset should be allowed")
	}
}

func TestMessageRateLimiter_QuietReset(t *testing.T) {
	var buf bytes.Buffer
	rl := newMessageRateLimiter(5, time.Second, slog.New(slog.NewTextHandler(&buf, nil)))
	rl.allow()
	rl.reset()
	if buf.Len() != 0 {
		t.Errorf("reset without drops should not log, got: %s", buf.String())
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
