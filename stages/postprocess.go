package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iedon/assetpipe/fsutil"
	"github.com/iedon/assetpipe/minifier"
)

// PostProcess minifies the HTML the render stage wrote in the same run.
// Outputs served from the render cache were minified when they were written.
type PostProcess struct {
	min     *minifier.Minifier
	enabled bool
}

// NewPostProcess returns the post-process stage. When enabled is false the
// stage only reports the files it was handed.
func NewPostProcess(m *minifier.Minifier, enabled bool) *PostProcess {
	return &PostProcess{min: m, enabled: enabled && m != nil}
}

func (p *PostProcess) Name() Name { return PostProcessStage }

func (p *PostProcess) Run(ctx context.Context, env *Env) (*Result, error) {
	start := time.Now()
	res := newResult(PostProcessStage)
	defer func() { res.Duration = time.Since(start) }()
	logger := env.logger()

	for _, out := range env.Written {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !strings.EqualFold(filepath.Ext(out), ".html") {
			continue
		}
		res.Inputs++
		rel := out
		if r, err := filepath.Rel(env.Paths.Dist(), out); err == nil {
			rel = filepath.ToSlash(r)
		}

		src, err := os.ReadFile(out)
		if err != nil {
			res.fail(logger, rel, err)
			continue
		}
		data := src
		if p.enabled {
			if data, err = p.min.HTML(src); err != nil {
				res.fail(logger, rel, err)
				continue
			}
			if err := fsutil.WriteFile(out, data); err != nil {
				return res, Fatal(PostProcessStage, rel, fmt.Errorf("write %s: %w", out, err))
			}
			res.Processed++
		} else {
			res.Skipped++
		}

		stat := FileStat{Input: rel, Output: out, Before: int64(len(src)), After: int64(len(data))}
		res.BytesBefore += stat.Before
		res.BytesAfter += stat.After
		res.Files = append(res.Files, stat)
		res.Outputs[rel] = out
	}
	return res, nil
}
