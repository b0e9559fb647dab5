package stages

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/iedon/assetpipe/minifier"
)

// Transformer turns the contents of one input into the contents of its output.
// name is the input path on disk.
type Transformer interface {
	Transform(ctx context.Context, name string, src []byte) ([]byte, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, name string, src []byte) ([]byte, error)

func (f TransformFunc) Transform(ctx context.Context, name string, src []byte) ([]byte, error) {
	return f(ctx, name, src)
}

// Chain runs transformers in order, feeding each the previous output.
func Chain(ts ...Transformer) Transformer {
	return TransformFunc(func(ctx context.Context, name string, src []byte) ([]byte, error) {
		out := src
		for _, t := range ts {
			var err error
			if out, err = t.Transform(ctx, name, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// Minify returns a transformer minifying as mediatype.
func Minify(m *minifier.Minifier, mediatype string) Transformer {
	return TransformFunc(func(_ context.Context, _ string, src []byte) ([]byte, error) {
		return m.Bytes(mediatype, src)
	})
}

// SassCompiler compiles SCSS through an external sass binary reading stdin.
type SassCompiler struct {
	Binary    string
	LoadPaths []string
	Style     string
	Timeout   time.Duration
}

func (c *SassCompiler) Transform(ctx context.Context, name string, src []byte) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	style := c.Style
	if style == "" {
		style = "expanded"
	}
	args := []string{"--stdin", "--no-source-map", "--style=" + style, "--load-path=" + filepath.Dir(name)}
	for _, lp := range c.LoadPaths {
		if strings.TrimSpace(lp) != "" {
			args = append(args, "--load-path="+lp)
		}
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdin = bytes.NewReader(src)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sass: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ImageOptimizer re-encodes PNG and JPEG images, keeping the result only when
// it is smaller, minifies SVG and passes every other format through.
type ImageOptimizer struct {
	JPEGQuality int
	PNGLevel    png.CompressionLevel
	Minifier    *minifier.Minifier
}

// PNGLevel maps a configuration name onto a png.CompressionLevel.
func PNGLevel(name string) png.CompressionLevel {
	switch strings.ToLower(name) {
	case "none":
		return png.NoCompression
	case "speed":
		return png.BestSpeed
	case "best":
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}

func (o *ImageOptimizer) Transform(_ context.Context, name string, src []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		img, err := png.Decode(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("decode png: %w", err)
		}
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: o.PNGLevel}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return smaller(src, buf.Bytes()), nil
	case ".jpg", ".jpeg":
		img, err := jpeg.Decode(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		quality := o.JPEGQuality
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return smaller(src, buf.Bytes()), nil
	case ".svg":
		if o.Minifier == nil {
			return src, nil
		}
		return o.Minifier.SVG(src)
	default:
		return src, nil
	}
}

func smaller(orig, candidate []byte) []byte {
	if len(candidate) < len(orig) {
		return candidate
	}
	return orig
}
