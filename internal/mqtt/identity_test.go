package mqtt

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/VickoT/FamilyDash/internal/opstate"
)

func TestLoadOrCreateInstanceID(t *testing.T) {
	store, err := opstate.NewStore(filepath.Join(t.TempDir(), "opstate.db"))
	if err != nil {
		t.Fatalf("opstate.NewStore: %v", err)
	}
	defer store.Close()

	id1, err := LoadOrCreateInstanceID(store)
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	parsed, err := uuid.Parse(id1)
	if err != nil {
		t.Fatalf("instance ID %q is not a UUID: %v", id1, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("UUID version = %d, want 7", parsed.Version())
	}

	id2, err := LoadOrCreateInstanceID(store)
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("instance ID changed across calls: %q -> %q", id1, id2)
	}
}

type failingKV struct{ err error }

func (f failingKV) Get(string, string) (string, error) { return "", f.err }
func (f failingKV) Set(string, string, string) error   { return f.err }

func TestLoadOrCreateInstanceID_Error(t *testing.T) {
	boom := errors.New("disk full")
	_, err := LoadOrCreateInstanceID(failingKV{err: boom})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapping %v", err, boom)
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("kitchen-tablet", "ignored"); got != "kitchen-tablet" {
		t.Errorf("ClientID(configured) = %q", got)
	}
	got := ClientID("", "0190b6c4-aaaa-7bbb-8ccc-1234567890ab")
	if got != "familydash-1234567890ab" {
		t.Errorf("ClientID(derived) = %q, want familydash-1234567890ab", got)
	}
	if !strings.HasPrefix(ClientID("", "nodashes"), "familydash-") {
		t.Error("ClientID without dashes should still be prefixed")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("inst-1", "familydash-kitchen")
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "inst-1" {
		t.Errorf("Identifiers = %v, want [inst-1]", info.Identifiers)
	}
	if info.Name != "familydash-kitchen" {
		t.Errorf("Name = %q", info.Name)
	}
	if info.SWVersion == "" {
		t.Error("SWVersion should be set")
	}
}
