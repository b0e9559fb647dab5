package stages

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/fsutil"
	"github.com/iedon/assetpipe/minifier"
)

// FileStage runs a Transformer over every input of one asset class. A nil
// transformer copies inputs unchanged.
type FileStage struct {
	name      Name
	class     assets.Class
	transform Transformer
	// partial selects import-only inputs: they produce no output but a change
	// to any of them reprocesses every other input.
	partial func(rel string) bool
	// exclude drops inputs another stage owns.
	exclude func(paths *assets.PathSet, rel string) bool
	// owners lists outputs another stage writes, keyed by output path. An
	// input mapping onto one of them is an item error.
	owners func(paths *assets.PathSet) (map[string]string, error)
}

// NewStyle compiles .scss entry points with compiler and minifies the CSS.
// Files starting with "_" are treated as partials.
func NewStyle(compiler Transformer, m *minifier.Minifier) *FileStage {
	return &FileStage{
		name:      StyleStage,
		class:     assets.Style,
		transform: Chain(compiler, Minify(m, minifier.MediaCSS)),
		partial:   isPartial,
	}
}

// NewPlainStyle minifies plain .css files. A .css file sharing its output
// with a .scss entry point is left to the style stage.
func NewPlainStyle(m *minifier.Minifier) *FileStage {
	return &FileStage{
		name:      PlainStyleStage,
		class:     assets.PlainStyle,
		transform: Minify(m, minifier.MediaCSS),
		owners:    styleOutputs,
	}
}

// NewScript minifies .js files.
func NewScript(m *minifier.Minifier) *FileStage {
	return &FileStage{name: ScriptStage, class: assets.Script, transform: Minify(m, minifier.MediaJS)}
}

// NewImage optimizes images with opt.
func NewImage(opt Transformer) *FileStage {
	return &FileStage{name: ImageStage, class: assets.Image, transform: opt}
}

// NewCopy copies every generic asset no other emitting class claims.
func NewCopy() *FileStage {
	return &FileStage{
		name:  CopyStage,
		class: assets.GenericAsset,
		exclude: func(paths *assets.PathSet, rel string) bool {
			return paths.Claimed(rel)
		},
	}
}

// WithTransformer returns a copy of s using t. Tests use it to count calls.
func (s *FileStage) WithTransformer(t Transformer) *FileStage {
	c := *s
	c.transform = t
	return &c
}

func (s *FileStage) Name() Name { return s.name }

func (s *FileStage) Class() assets.Class { return s.class }

func (s *FileStage) Run(ctx context.Context, env *Env) (*Result, error) {
	start := time.Now()
	res := newResult(s.name)
	defer func() { res.Duration = time.Since(start) }()

	rule, ok := env.Paths.Rule(s.class)
	if !ok {
		return res, Fatal(s.name, "", fmt.Errorf("%w: %s", assets.ErrUnknownClass, s.class))
	}
	if rule.Required && !env.Paths.Exists(s.class) {
		return res, Fatal(s.name, env.Paths.Base(s.class), ErrMissingInputDir)
	}
	files, err := env.Paths.Files(s.class)
	if err != nil {
		return res, Fatal(s.name, "", err)
	}

	var opts itemOptions
	if s.owners != nil {
		if opts.taken, err = s.owners(env.Paths); err != nil {
			return res, Fatal(s.name, "", err)
		}
	}
	inputs := make([]string, 0, len(files))
	for _, rel := range files {
		if s.exclude != nil && s.exclude(env.Paths, rel) {
			continue
		}
		if s.partial != nil && s.partial(rel) {
			if info, err := os.Stat(env.Paths.Abs(rel)); err == nil && info.ModTime().After(opts.depTime) {
				opts.depTime = info.ModTime()
			}
			continue
		}
		inputs = append(inputs, rel)
	}

	err = runIncremental(ctx, env, res, s.class, inputs, opts, s.produce)
	return res, err
}

func (s *FileStage) produce(ctx context.Context, rel, in, out string) (FileStat, error) {
	if s.transform == nil {
		info, err := os.Stat(in)
		if err != nil {
			return FileStat{}, err
		}
		if err := fsutil.CopyFile(in, out); err != nil {
			return FileStat{}, Fatal(s.name, rel, fmt.Errorf("write %s: %w", out, err))
		}
		return FileStat{Before: info.Size(), After: info.Size()}, nil
	}

	src, err := os.ReadFile(in)
	if err != nil {
		return FileStat{}, err
	}
	data, err := s.transform.Transform(ctx, in, src)
	if err != nil {
		return FileStat{}, err
	}
	if err := fsutil.WriteFile(out, data); err != nil {
		return FileStat{}, Fatal(s.name, rel, fmt.Errorf("write %s: %w", out, err))
	}
	return FileStat{Before: int64(len(src)), After: int64(len(data))}, nil
}

// styleOutputs maps the outputs of the style entry points onto their inputs.
func styleOutputs(paths *assets.PathSet) (map[string]string, error) {
	if _, ok := paths.Rule(assets.Style); !ok {
		return nil, nil
	}
	files, err := paths.Files(assets.Style)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(files))
	for _, rel := range files {
		if isPartial(rel) {
			continue
		}
		if o, err := paths.OutputPath(assets.Style, rel); err == nil {
			if _, dup := out[o]; !dup {
				out[o] = rel
			}
		}
	}
	return out, nil
}
