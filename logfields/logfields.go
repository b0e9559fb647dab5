package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field names shared by the build pipeline and the dev server.
const (
	KeyRunID      = "run_id"
	KeyStage      = "stage"
	KeyInput      = "input"
	KeyOutput     = "output"
	KeyClass      = "class"
	KeyWork       = "work"
	KeyDurationMS = "duration_ms"
	KeyBytesIn    = "bytes_in"
	KeyBytesOut   = "bytes_out"
	KeyError      = "error"
)

func RunID(id string) slog.Attr      { return slog.String(KeyRunID, id) }
func Stage(name string) slog.Attr    { return slog.String(KeyStage, name) }
func Input(rel string) slog.Attr     { return slog.String(KeyInput, rel) }
func Output(path string) slog.Attr   { return slog.String(KeyOutput, path) }
func Class(name string) slog.Attr    { return slog.String(KeyClass, name) }
func Work(desc string) slog.Attr     { return slog.String(KeyWork, desc) }
func BytesIn(n int64) slog.Attr      { return slog.Int64(KeyBytesIn, n) }
func BytesOut(n int64) slog.Attr     { return slog.Int64(KeyBytesOut, n) }
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
