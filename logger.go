package dynmesh

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/dynmesh/internal/device"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for dynmesh and its sub-packages.
// By default dynmesh produces no log output. Pass nil to restore silence.
//
// SetLogger is safe for concurrent use.
//
// Log levels used by dynmesh:
//   - [slog.LevelDebug]: per-patch decisions (slices, repairs, buffer growth)
//   - [slog.LevelInfo]: pass summaries (slicing, cleanup, device selection)
//   - [slog.LevelWarn]: launch footprints above device limits, failed validation
//
// Example:
//
//	dynmesh.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	device.SetLogger(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
