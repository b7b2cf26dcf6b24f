package logging

import (
	"testing"

	"github.com/getsentry/sentry-go"
)

func TestReportingWanted(t *testing.T) {
	tests := []struct {
		env     string
		optedIn bool
		want    bool
	}{
		{"", false, false},
		{"", true, true},
		{"1", false, true},
		{"0", true, false},
		{"yes", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(sentryEnv, tt.env)
			if got := reportingWanted(tt.optedIn); got != tt.want {
				t.Errorf("reportingWanted(%v) with %s=%q = %v, want %v", tt.optedIn, sentryEnv, tt.env, got, tt.want)
			}
		})
	}
}

func TestInitSentryWithoutDSN(t *testing.T) {
	t.Setenv(sentryEnv, "1")
	t.Setenv(sentryDSNEnv, "")
	if InitSentry("test", "", false) {
		t.Fatal("InitSentry succeeded without a DSN")
	}
	if SentryEnabled() {
		t.Error("SentryEnabled() = true after failed init")
	}
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{Extra: map[string]any{
		"data":   "00A4040007A0000002471001",
		"atr":    "3B8F8001",
		"reader": "ACS ACR122U",
	}}

	got := scrubEvent(event, nil)

	if got.Extra["data"] != "[redacted]" || got.Extra["atr"] != "[redacted]" {
		t.Errorf("payload extras not redacted: %v", got.Extra)
	}
	if got.Extra["reader"] != "ACS ACR122U" {
		t.Errorf("reader extra = %v, want it untouched", got.Extra["reader"])
	}
	if _, ok := got.Extra["apdu"]; ok {
		t.Error("scrubEvent added an extra that was not present")
	}
}
