package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds preferences that persist across restarts.
type Settings struct {
	Backend        string   `json:"backend"`                  // "pcsc", "mock" or "relay"
	RelayURL       string   `json:"relayUrl,omitempty"`       // websocket URL used by the relay backend
	ListenAddr     string   `json:"listenAddr"`               // address the relay daemon binds to
	AllowedOrigins []string `json:"allowedOrigins,omitempty"` // browser origins allowed to use the relay
	LogFile        string   `json:"logFile,omitempty"`        // rotated log file, empty for stderr only
	LogLevel       string   `json:"logLevel,omitempty"`       // debug, info, warn, error
	CrashReporting bool     `json:"crashReporting"`           // whether to send crash reports to Sentry
	SentryDSN      string   `json:"sentryDsn,omitempty"`      // Sentry project DSN
}

var (
	current *Settings
	mu      sync.RWMutex
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Backend:        "pcsc",
		ListenAddr:     "127.0.0.1:32146",
		LogLevel:       "info",
		CrashReporting: false, // opt-in
	}
}

// Path returns the location of the settings file.
// SMARTCARD_SETTINGS overrides the default under the user config directory.
func Path() (string, error) {
	if p := os.Getenv("SMARTCARD_SETTINGS"); p != "" {
		return p, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "smartcard", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if the file doesn't exist.
// Fields missing from the file keep their default values.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	path, err := Path()
	if err != nil {
		current = DefaultSettings()
		return current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		current = DefaultSettings()
		if os.IsNotExist(err) {
			return current, nil
		}
		return current, err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		current = DefaultSettings()
		return current, err
	}

	current = s
	return current, nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		current = DefaultSettings()
	}

	path, err := Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Get returns the current settings (loads from disk if not yet loaded).
func Get() *Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return current
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

// Update applies fn to the current settings and saves them.
func Update(fn func(*Settings)) error {
	mu.Lock()
	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	mu.Unlock()

	return Save()
}
