// Package obslog wires the coordinator and participant event loops to a
// structured logger, in place of the original Python prototype's bare
// print() diagnostics. It is a thin adapter over logiface, configured with
// the stumpy backend so the dependency stays self-contained (no OpenTelemetry
// transitive chain).
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type used throughout runcoord.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a logger that writes newline-delimited JSON to w. A nil w
// defaults to os.Stderr.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(w)))
}

// Discard builds a logger that writes nowhere, for tests and for embedders
// who haven't configured logging.
func Discard() *Logger {
	return New(io.Discard)
}
