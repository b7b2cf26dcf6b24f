package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Environment variables controlling crash reporting.
const (
	sentryEnv    = "SMARTCARD_SENTRY"     // "1" forces reporting on, "0" forces it off
	sentryDSNEnv = "SMARTCARD_SENTRY_DSN" // takes precedence over the configured DSN
	sentryEnvEnv = "SMARTCARD_ENVIRONMENT"
)

// redactedExtras never leave the process: command and response APDUs can
// carry PINs and keys.
var redactedExtras = []string{"data", "apdu", "response", "atr"}

var sentryEnabled bool

// InitSentry turns on crash reporting when the user opted in (or the
// environment forces it) and a DSN is available. It reports whether events
// will be sent.
func InitSentry(version, dsn string, optedIn bool) bool {
	if !reportingWanted(optedIn) {
		return false
	}
	if env := os.Getenv(sentryDSNEnv); env != "" {
		dsn = env
	}
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled without a DSN", nil)
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "pcsc-relay@" + version,
		Environment:      environment(),
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		Warn(CatSystem, "Failed to initialize Sentry", map[string]any{
			"error": err.Error(),
		})
		return false
	}

	sentryEnabled = true
	return true
}

func reportingWanted(optedIn bool) bool {
	switch os.Getenv(sentryEnv) {
	case "1":
		return true
	case "0":
		return false
	}
	return optedIn
}

func environment() string {
	if env := os.Getenv(sentryEnvEnv); env != "" {
		return env
	}
	return "production"
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	for _, k := range redactedExtras {
		if _, ok := event.Extra[k]; ok {
			event.Extra[k] = "[redacted]"
		}
	}
	return event
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry waits up to timeout for buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic reports a recovered panic with its stack.
func CapturePanic(panicValue any, stack []byte, where string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", where)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprint(panicValue))
		}
	})

	sentry.Flush(2 * time.Second)
}

// CaptureError reports err tagged with where it happened. Keys in data
// become event extras; APDU payloads are redacted before sending.
func CaptureError(err error, where string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", where)
		if op, ok := data["op"].(string); ok {
			scope.SetTag("pcsc_op", op)
		}
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
