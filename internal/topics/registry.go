// Package topics maps the dashboard's data domains to MQTT topics.
//
// The registry is built once at startup from [config.TopicsConfig] and
// is read-only afterwards, so it needs no locking.
package topics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/VickoT/FamilyDash/internal/config"
	"github.com/VickoT/FamilyDash/internal/decode"
	"github.com/VickoT/FamilyDash/internal/snapshot"
)

// Domain names that do not depend on configuration.
const (
	DomainWasher      = "washer"
	DomainDryer       = "dryer"
	DomainHeartbeat   = "heartbeat"
	DomainCar         = "car"
	DomainAirQuality  = "air-quality"
	DomainPower       = "power"
	DomainWeather     = "weather"
	DomainEnergyPrice = "energy-price"
	DomainSensor      = "sensor"
)

// ClimateDomain returns the domain name for a room's climate sensor.
func ClimateDomain(room string) string { return "climate:" + room }

// CalendarDomain returns the domain name for a calendar feed.
func CalendarDomain(feed string) string { return "calendar:" + feed }

// Entry binds a domain to its wire topic.
type Entry struct {
	Domain string
	// Topic is the exact topic, or for prefix entries the subscription
	// filter ending in "/#".
	Topic   string
	Prefix  bool
	QoS     byte
	Decoder decode.Decoder
}

// Registry is the immutable set of entries.
type Registry struct {
	entries  []Entry
	exact    map[string]int
	prefixes []int
}

// Build creates the registry from configuration. Topic strings are
// trimmed of surrounding slashes before use.
func Build(cfg config.TopicsConfig) (*Registry, error) {
	var entries []Entry
	add := func(domain, topic string, qos byte, dec decode.Decoder) {
		entries = append(entries, Entry{Domain: domain, Topic: topic, QoS: qos, Decoder: dec})
	}

	add(DomainWasher, join(cfg.WasherPrefix, "state"), 0, decode.Washer())
	add(DomainDryer, join(cfg.DryerPrefix, "state"), 0, decode.Dryer())
	add(DomainHeartbeat, clean(cfg.Heartbeat), 0, decode.Heartbeat())
	add(DomainCar, join(cfg.CarPrefix, "state"), 0, decode.Car())
	for _, room := range cfg.ClimateRooms {
		add(ClimateDomain(room), join(cfg.EnvPrefix, room, "ht", "state"), 0, decode.Climate())
	}
	if cfg.AirQualityRoom != "" {
		add(DomainAirQuality, join(cfg.EnvPrefix, cfg.AirQualityRoom, "airquality", "state"), 0, decode.AirQuality())
	}
	add(DomainPower, clean(cfg.Power), 0, decode.Power())
	for _, feed := range cfg.Calendars {
		add(CalendarDomain(feed.Name), join(cfg.CalendarPrefix, feed.Name, feed.Window), 1, decode.Calendar(feed.Window))
	}
	add(DomainWeather, clean(cfg.Weather), 0, decode.Weather())
	add(DomainEnergyPrice, clean(cfg.EnergyPrice), 1, decode.EnergyPrice())

	if p := clean(cfg.SensorPrefix); p != "" {
		entries = append(entries, Entry{
			Domain:  DomainSensor,
			Topic:   p + "/#",
			Prefix:  true,
			QoS:     0,
			Decoder: decode.Sensor(),
		})
	}

	return New(entries)
}

// New validates entries and builds a registry from them. Order is
// preserved; it decides which prefix entry wins when several match.
func New(entries []Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, len(entries)),
		exact:   make(map[string]int, len(entries)),
	}
	copy(r.entries, entries)

	domains := make(map[string]bool, len(entries))
	var errs []error
	for i, e := range r.entries {
		switch {
		case e.Domain == "":
			errs = append(errs, fmt.Errorf("entry %d: empty domain", i))
			continue
		case domains[e.Domain]:
			errs = append(errs, fmt.Errorf("domain %q registered twice", e.Domain))
			continue
		case e.QoS > 2:
			errs = append(errs, fmt.Errorf("domain %q: qos %d out of range", e.Domain, e.QoS))
		}
		domains[e.Domain] = true

		if e.Prefix {
			base, ok := strings.CutSuffix(e.Topic, "/#")
			if !ok || base == "" || strings.ContainsAny(base, "#+") {
				errs = append(errs, fmt.Errorf("domain %q: prefix topic %q must be <prefix>/#", e.Domain, e.Topic))
				continue
			}
			r.prefixes = append(r.prefixes, i)
			continue
		}

		if e.Topic == "" || strings.ContainsAny(e.Topic, "#+") {
			errs = append(errs, fmt.Errorf("domain %q: invalid topic %q", e.Domain, e.Topic))
			continue
		}
		if prev, dup := r.exact[e.Topic]; dup {
			errs = append(errs, fmt.Errorf("topic %q used by both %q and %q", e.Topic, r.entries[prev].Domain, e.Domain))
			continue
		}
		r.exact[e.Topic] = i
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("topic registry: %w", err)
	}
	return r, nil
}

// Match finds the entry for an inbound topic. Exact topics are checked
// first; prefix entries are then tried in registration order. A prefix
// entry "p/#" matches "p" itself and everything below it.
func (r *Registry) Match(topic string) (Entry, bool) {
	if i, ok := r.exact[topic]; ok {
		return r.entries[i], true
	}
	for _, i := range r.prefixes {
		base := strings.TrimSuffix(r.entries[i].Topic, "/#")
		if topic == base || strings.HasPrefix(topic, base+"/") {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}

// Entries returns a copy of all entries in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Schemas returns the snapshot schema for every domain.
func (r *Registry) Schemas() []snapshot.Schema {
	out := make([]snapshot.Schema, len(r.entries))
	for i, e := range r.entries {
		out[i] = snapshot.Schema{Name: e.Domain, Fields: e.Decoder.Fields}
	}
	return out
}

// clean trims whitespace and surrounding slashes.
func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), "/")
}

// join builds a topic from segments, skipping empty ones. It returns ""
// if the first segment (the configured prefix) is empty, so a missing
// prefix surfaces as a validation error instead of a rooted topic.
func join(prefix string, parts ...string) string {
	prefix = clean(prefix)
	if prefix == "" {
		return ""
	}
	segs := []string{prefix}
	for _, p := range parts {
		if p = clean(p); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}
