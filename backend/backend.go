// Package backend selects the pcsc.Driver an application runs against:
// the platform PC/SC service, the in-memory mock or a remote relay.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/SimplyPrint/smartcard/internal/logging"
	"github.com/SimplyPrint/smartcard/internal/settings"
	"github.com/SimplyPrint/smartcard/pcsc"
	"github.com/SimplyPrint/smartcard/pcsc/mockdriver"
	"github.com/SimplyPrint/smartcard/pcsc/nativedriver"
	"github.com/SimplyPrint/smartcard/pcsc/relay"
)

// Kind names a backend.
type Kind string

const (
	KindPCSC  Kind = "pcsc"
	KindMock  Kind = "mock"
	KindRelay Kind = "relay"
)

// Environment variables that override the settings file.
const (
	EnvBackend  = "SMARTCARD_BACKEND"
	EnvRelayURL = "SMARTCARD_RELAY_URL"
)

// ErrUnknownKind is returned by Open for a backend name it does not know.
var ErrUnknownKind = errors.New("unknown backend")

// Config selects and parameterises a backend.
type Config struct {
	Kind     Kind
	RelayURL string // required for KindRelay
}

// LoadConfig reads the persisted settings and applies environment overrides.
func LoadConfig() (Config, error) {
	s, err := settings.Load()
	if err != nil {
		return Config{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return FromSettings(s), nil
}

// FromSettings builds a Config from s, then applies environment overrides.
func FromSettings(s *settings.Settings) Config {
	cfg := Config{
		Kind:     Kind(strings.ToLower(s.Backend)),
		RelayURL: s.RelayURL,
	}
	if v := os.Getenv(EnvBackend); v != "" {
		cfg.Kind = Kind(strings.ToLower(v))
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		cfg.RelayURL = v
	}
	if cfg.Kind == "" {
		cfg.Kind = KindPCSC
	}
	return cfg
}

// Open returns the driver cfg selects. ctx bounds the dial of a relay
// backend; the other backends do no I/O until a context is established.
func Open(ctx context.Context, cfg Config) (pcsc.Driver, error) {
	var (
		d   pcsc.Driver
		err error
	)
	switch cfg.Kind {
	case KindPCSC:
		d = nativedriver.New()
	case KindMock:
		d = mockdriver.New()
	case KindRelay:
		if cfg.RelayURL == "" {
			return nil, fmt.Errorf("relay backend: no relay URL configured (set %s)", EnvRelayURL)
		}
		d, err = relay.Dial(ctx, cfg.RelayURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, cfg.Kind)
	}

	logging.Info(logging.CatDriver, "Backend selected", map[string]any{
		"backend": string(cfg.Kind),
	})
	return d, nil
}

// Close releases anything a driver holds outside of contexts, such as the
// relay connection. Drivers without such resources are left alone.
func Close(d pcsc.Driver) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
