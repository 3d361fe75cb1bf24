// Package feeds polls HTTP APIs whose data the dashboard shows next to
// the MQTT domains: the Open-Meteo forecast and Tibber spot prices.
//
// A feed does not write to the snapshot itself. Each poll renders the
// document a publisher would have sent and hands it to a [Dispatcher]
// on the domain's registry topic, so it is decoded, counted and stored
// exactly like a broker message.
package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VickoT/FamilyDash/internal/events"
)

// Source fetches one feed document.
type Source interface {
	// Name identifies the feed in logs and opstate ("weather", "tibber").
	Name() string
	// Fetch returns the payload to dispatch.
	Fetch(ctx context.Context) ([]byte, error)
}

// Dispatcher routes a payload as if it arrived on topic. source tells
// the dispatcher who produced it; pollers pass events.SourceFeeds.
// *mqtt.Subscriber satisfies it.
type Dispatcher interface {
	Dispatch(source, topic string, payload []byte) bool
}

// StateStore records poll outcomes. *opstate.Store satisfies it.
type StateStore interface {
	Set(namespace, key, value string) error
	SetTime(namespace, key string, t time.Time) error
}

// Opstate keys, under namespace "feed:<name>".
const (
	KeyLastSuccess = "last_success"
	KeyLastError   = "last_error"
	KeyLastErrorAt = "last_error_at"
)

// Namespace returns the opstate namespace for a feed.
func Namespace(name string) string { return "feed:" + name }

// PollerConfig configures a Poller.
type PollerConfig struct {
	Source     Source
	Topic      string
	Dispatcher Dispatcher
	Interval   time.Duration

	// State and Bus are optional.
	State  StateStore
	Bus    *events.Bus
	Logger *slog.Logger
}

// Poller runs one feed on a fixed interval.
type Poller struct {
	cfg PollerConfig
	now func() time.Time
}

// NewPoller creates a poller. Interval defaults to 15 minutes.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Poller{cfg: cfg, now: time.Now}
}

// Start polls immediately and then on every interval until ctx is
// cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	p.cfg.Logger.Info("feed poller started",
		"feed", p.cfg.Source.Name(),
		"topic", p.cfg.Topic,
		"interval", p.cfg.Interval.String(),
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	_ = p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Poll(ctx)
		}
	}
}

// Poll fetches once and dispatches the result. Failures are logged,
// recorded in opstate and published on the bus before being returned;
// Start ignores them and retries on the next tick.
func (p *Poller) Poll(ctx context.Context) error {
	name := p.cfg.Source.Name()
	payload, err := p.cfg.Source.Fetch(ctx)
	if err == nil && !p.cfg.Dispatcher.Dispatch(events.SourceFeeds, p.cfg.Topic, payload) {
		err = fmt.Errorf("payload for %s produced no update", p.cfg.Topic)
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.cfg.Logger.Warn("feed poll failed", "feed", name, "error", err)
		p.record(KeyLastError, err.Error())
		p.recordTime(KeyLastErrorAt)
		p.cfg.Bus.Emit(events.SourceFeeds, events.KindFeedFailed, map[string]any{
			"feed":  name,
			"error": err.Error(),
		})
		return err
	}

	p.cfg.Logger.Debug("feed poll dispatched", "feed", name, "topic", p.cfg.Topic, "payload_size", len(payload))
	p.recordTime(KeyLastSuccess)
	return nil
}

func (p *Poller) record(key, value string) {
	if p.cfg.State == nil {
		return
	}
	if err := p.cfg.State.Set(Namespace(p.cfg.Source.Name()), key, value); err != nil {
		p.cfg.Logger.Warn("feed state write failed", "feed", p.cfg.Source.Name(), "key", key, "error", err)
	}
}

func (p *Poller) recordTime(key string) {
	if p.cfg.State == nil {
		return
	}
	if err := p.cfg.State.SetTime(Namespace(p.cfg.Source.Name()), key, p.now()); err != nil {
		p.cfg.Logger.Warn("feed state write failed", "feed", p.cfg.Source.Name(), "key", key, "error", err)
	}
}
