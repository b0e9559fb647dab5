package stages

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/iedon/assetpipe/logfields"
)

// ReportOptions selects what Report logs.
type ReportOptions struct {
	ShowFiles bool
	ShowTotal bool
	Pretty    bool
	Gzip      bool
	// Intermediate marks outputs a later stage rewrites. Their per-file lines
	// are left to that stage and the totals are flagged as not final.
	Intermediate bool
}

// Report logs the per-file and per-stage sizes of res.
func Report(logger *slog.Logger, res *Result, opts ReportOptions) {
	if res == nil {
		return
	}
	if opts.ShowFiles && !opts.Intermediate {
		for _, f := range res.Files {
			attrs := []any{
				logfields.Stage(string(res.Stage)),
				logfields.Output(f.Output),
				slog.String("size", formatSize(f.After, opts.Pretty)),
				slog.String("before", formatSize(f.Before, opts.Pretty)),
			}
			if opts.Gzip {
				if n, err := GzipSize(f.Output); err == nil {
					attrs = append(attrs, slog.String("gzip", formatSize(n, opts.Pretty)))
				}
			}
			logger.Info("file", attrs...)
		}
	}
	if opts.ShowTotal {
		attrs := []any{
			logfields.Stage(string(res.Stage)),
			slog.Int("inputs", res.Inputs),
			slog.Int("processed", res.Processed),
			slog.Int("cached", res.Skipped),
			slog.Int("removed", res.Removed),
			slog.Int("errors", len(res.Errors)),
			slog.String("size", formatSize(res.BytesAfter, opts.Pretty)),
			slog.String("before", formatSize(res.BytesBefore, opts.Pretty)),
			logfields.Duration(res.Duration),
		}
		if opts.Intermediate {
			attrs = append(attrs, slog.Bool("intermediate", true))
		}
		logger.Info("stage finished", attrs...)
	}
}

// GzipSize returns the gzip-compressed size of the file at name.
func GzipSize(name string) (int64, error) {
	f, err := os.Open(filepath.Clean(name))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var cw countingWriter
	zw, err := gzip.NewWriterLevel(&cw, gzip.BestCompression)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(zw, f); err != nil {
		return 0, fmt.Errorf("gzip %s: %w", name, err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("gzip %s: %w", name, err)
	}
	return cw.n, nil
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func formatSize(n int64, pretty bool) string {
	if !pretty {
		return fmt.Sprintf("%d B", n)
	}
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
