package opstate

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("mqtt", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("mqtt", "instance_id", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set("mqtt", "instance_id", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}
	val, err := s.Get("mqtt", "instance_id")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q", val, "v2")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	s := testStore(t)
	when := time.Date(2025, 9, 1, 7, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	if err := s.SetTime("feed:weather", "last_success", when); err != nil {
		t.Fatalf("SetTime() error: %v", err)
	}
	got, err := s.GetTime("feed:weather", "last_success")
	if err != nil {
		t.Fatalf("GetTime() error: %v", err)
	}
	if !got.Equal(when) {
		t.Errorf("GetTime() = %v, want %v", got, when)
	}

	zero, err := s.GetTime("feed:weather", "never")
	if err != nil || !zero.IsZero() {
		t.Errorf("GetTime(missing) = %v, %v; want zero, nil", zero, err)
	}

	s.Set("feed:weather", "garbage", "yesterday")
	if _, err := s.GetTime("feed:weather", "garbage"); err == nil {
		t.Error("GetTime() on non-time value should error")
	}
}

func TestDeleteAndNamespaces(t *testing.T) {
	s := testStore(t)

	s.Set("feed:weather", "last_error", "timeout")
	s.Set("feed:tibber", "last_error", "401")

	if err := s.Delete("feed:weather", "last_error"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete("feed:weather", "last_error"); err != nil {
		t.Fatalf("Delete() of missing key error: %v", err)
	}
	if v, _ := s.Get("feed:weather", "last_error"); v != "" {
		t.Errorf("deleted key still present: %q", v)
	}
	if v, _ := s.Get("feed:tibber", "last_error"); v != "401" {
		t.Errorf("other namespace affected: %q", v)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	empty, err := s.List("feed:tibber")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, want non-nil empty map", empty)
	}

	s.Set("feed:tibber", "last_success", "a")
	s.Set("feed:tibber", "last_error", "b")
	s.Set("mqtt", "instance_id", "c")

	got, err := s.List("feed:tibber")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 || got["last_success"] != "a" || got["last_error"] != "b" {
		t.Errorf("List() = %v", got)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := s1.Set("mqtt", "instance_id", "0190b6c4"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()

	if v, _ := s2.Get("mqtt", "instance_id"); v != "0190b6c4" {
		t.Errorf("Get() after reopen = %q, want %q", v, "0190b6c4")
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/dir/opstate.db")
	if err == nil {
		t.Error("NewStore() with invalid path should fail")
	}
}
