// Package snapshot holds the dashboard's last-known state: one record
// per data domain, each a fixed set of named fields plus the time the
// record was last written. All access goes through a single exclusive
// lock; readers receive deep copies they may keep or mutate freely.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrUnknownDomain is returned by [Store.Update] for a domain that was
// not declared when the store was created.
var ErrUnknownDomain = errors.New("unknown domain")

// Fields is a partial update for one domain. A nil value means
// "unknown" and never overwrites a previously stored value.
type Fields map[string]any

// Set stores v under name unless v is nil or a nil pointer. Non-nil
// pointers to basic types are dereferenced so decoders can pass
// optional values straight through.
func (f Fields) Set(name string, v any) {
	switch p := v.(type) {
	case nil:
		return
	case *float64:
		if p == nil {
			return
		}
		v = *p
	case *int64:
		if p == nil {
			return
		}
		v = *p
	case *string:
		if p == nil {
			return
		}
		v = *p
	case *bool:
		if p == nil {
			return
		}
		v = *p
	}
	f[name] = v
}

// Schema declares a domain and the fields it carries.
type Schema struct {
	Name   string
	Fields []string
}

// Record is one domain's state. Fields holds every declared field; a
// nil value means nothing has been received for it yet. LastUpdate is
// the zero time until the first update.
type Record struct {
	Fields     map[string]any
	LastUpdate time.Time
}

// Age reports how long ago the record was last written, relative to now.
// It returns false if the record has never been written.
func (r Record) Age(now time.Time) (time.Duration, bool) {
	if r.LastUpdate.IsZero() {
		return 0, false
	}
	return now.Sub(r.LastUpdate), true
}

// MarshalJSON renders the record as a flat object of its fields plus
// "ts", the last update in seconds since the epoch (null if never).
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+1)
	maps.Copy(out, r.Fields)
	if r.LastUpdate.IsZero() {
		out["ts"] = nil
	} else {
		out["ts"] = r.LastUpdate.Unix()
	}
	return json.Marshal(out)
}

// Snapshot is a point-in-time copy of every domain record, keyed by
// domain name. It shares no memory with the store.
type Snapshot map[string]Record

// Domains returns the snapshot's domain names in sorted order.
func (s Snapshot) Domains() []string {
	return slices.Sorted(maps.Keys(s))
}

// Reader is the read side of the store, handed to HTTP handlers and
// anything else that only needs current state.
type Reader interface {
	Snapshot() Snapshot
	Domain(name string) (Record, bool)
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces the time source used for LastUpdate.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the guarded domain → record mapping. The set of domains is
// fixed by [NewStore].
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

type record struct {
	fields     map[string]any
	lastUpdate time.Time
}

// NewStore creates a store with one empty record per schema. Duplicate
// schema names are merged.
func NewStore(schemas []Schema, opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*record, len(schemas)),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for _, sc := range schemas {
		r, ok := s.records[sc.Name]
		if !ok {
			r = &record{fields: make(map[string]any, len(sc.Fields))}
			s.records[sc.Name] = r
		}
		for _, f := range sc.Fields {
			if _, exists := r.fields[f]; !exists {
				r.fields[f] = nil
			}
		}
	}
	return s
}

// Update merges fields into the domain's record and stamps it with the
// current time. Nil values and fields the domain does not declare are
// skipped. The whole merge happens under one lock acquisition, so a
// concurrent [Store.Snapshot] sees either all of it or none of it.
func (s *Store) Update(domain string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[domain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	for k, v := range fields {
		if v == nil {
			continue
		}
		if _, declared := r.fields[k]; !declared {
			continue
		}
		r.fields[k] = cloneValue(v)
	}
	r.lastUpdate = s.now().Truncate(time.Second)
	return nil
}

// Snapshot returns a deep copy of every record.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Snapshot, len(s.records))
	for name, r := range s.records {
		fields := make(map[string]any, len(r.fields))
		for k, v := range r.fields {
			fields[k] = cloneValue(v)
		}
		out[name] = Record{Fields: fields, LastUpdate: r.lastUpdate}
	}
	return out
}

// Domain returns a deep copy of a single record.
func (s *Store) Domain(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return Record{}, false
	}
	fields := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		fields[k] = cloneValue(v)
	}
	return Record{Fields: fields, LastUpdate: r.lastUpdate}, true
}

// cloneValue copies the container types decoders produce. Scalars are
// immutable and returned as-is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []map[string]any:
		l := make([]map[string]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e).(map[string]any)
		}
		return l
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	case []float64:
		return slices.Clone(t)
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
