package settings

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

// useTempSettings points the package at a settings file inside a temp dir and
// resets the cached settings around the test.
func useTempSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smartcard", "settings.json")
	t.Setenv("SMARTCARD_SETTINGS", path)

	mu.Lock()
	current = nil
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		current = nil
		mu.Unlock()
	})
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s == nil {
		t.Fatal("DefaultSettings returned nil")
	}
	if s.Backend != "pcsc" {
		t.Errorf("Backend = %q, want pcsc", s.Backend)
	}
	if s.ListenAddr == "" {
		t.Error("ListenAddr should have a default")
	}
	if s.CrashReporting {
		t.Error("CrashReporting should be false by default (opt-in)")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	useTempSettings(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(*s, *DefaultSettings()) {
		t.Errorf("Load() = %+v, want defaults", s)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := useTempSettings(t)

	if err := Update(func(s *Settings) {
		s.Backend = "relay"
		s.RelayURL = "ws://10.0.0.5:32146/v1/relay"
		s.CrashReporting = true
		s.AllowedOrigins = []string{"https://console.example.com"}
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}

	mu.Lock()
	current = nil
	mu.Unlock()

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Backend != "relay" || s.RelayURL != "ws://10.0.0.5:32146/v1/relay" || !s.CrashReporting {
		t.Errorf("Load() = %+v, want saved values", s)
	}
	if len(s.AllowedOrigins) != 1 || s.AllowedOrigins[0] != "https://console.example.com" {
		t.Errorf("AllowedOrigins = %v, want saved origin", s.AllowedOrigins)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"backend":"mock"}`), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Backend != "mock" {
		t.Errorf("Backend = %q, want mock", s.Backend)
	}
	if s.ListenAddr != DefaultSettings().ListenAddr {
		t.Errorf("ListenAddr = %q, want default", s.ListenAddr)
	}
}

func TestInvalidJSONReturnsDefault(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if s == nil || s.Backend != "pcsc" {
		t.Errorf("Load() = %+v, want defaults on parse failure", s)
	}
}

func TestConcurrentGetAccess(t *testing.T) {
	useTempSettings(t)

	mu.Lock()
	current = &Settings{Backend: "mock"}
	mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s := Get(); s == nil || s.Backend != "mock" {
				t.Error("Get returned unexpected settings during concurrent access")
			}
		}()
	}
	wg.Wait()
}
