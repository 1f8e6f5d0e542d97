package discovery

import (
	"testing"
)

func TestMonitorCacheSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache := NewMonitorCache(dir)

	entries := map[string]Entry{
		"DeviceCore": {Topics: []string{"DeviceCore"}, MonitorID: "123"},
	}
	cache.Save(entries)

	loaded := cache.Load()
	if len(loaded) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(loaded))
	}
	got, ok := loaded["DeviceCore"]
	if !ok {
		t.Fatal("expected key DeviceCore to be present")
	}
	if got.MonitorID != "123" {
		t.Fatalf("expected monitor id 123, got %q", got.MonitorID)
	}
}

func TestMonitorCacheLoadMissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	cache := NewMonitorCache(dir)

	if loaded := cache.Load(); loaded != nil {
		t.Fatalf("expected nil for a missing cache file, got %v", loaded)
	}
}

func TestKeyJoinsTopicsWithComma(t *testing.T) {
	got := Key([]string{"DeviceCore", "FileDataCore"})
	want := "DeviceCore,FileDataCore"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
