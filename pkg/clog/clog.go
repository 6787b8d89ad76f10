// Package clog is the module's structured-logging layer, a thin wrapper
// around github.com/rs/zerolog suited to a library embedded in a larger
// validator process: no global mutable level, no process-exiting Fatal.
package clog

import (
	"os"

	"github.com/rs/zerolog"
)

// L is the package-level logger. Within this module it is reached only
// through objstore.Fatalf, which pkg/cachefacade, pkg/locktable and
// pkg/versionmap call on invariant violations (including a failed
// debug-mode lock cross-check); Debug has no caller here. It is not on any
// hot read path.
var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
	With().Timestamp().Logger()

// SetOutput redirects L to w, keeping the same console formatting. Tests
// use this to capture log output instead of writing to stderr.
func SetOutput(w zerolog.ConsoleWriter) {
	L = zerolog.New(w).With().Timestamp().Logger()
}

// Fatal logs msg at fatal severity without calling os.Exit — unlike
// zerolog.Logger.Fatal, which terminates the process, a library embedded
// in a larger binary must not unilaterally exit on the host's behalf.
// Callers that need process termination semantics should panic after
// calling Fatal (see objstore.Fatalf).
func Fatal(component, msg string, fields map[string]interface{}) {
	ev := L.WithLevel(zerolog.FatalLevel).Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs msg at debug severity with the given fields.
func Debug(component, msg string, fields map[string]interface{}) {
	ev := L.Debug().Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
