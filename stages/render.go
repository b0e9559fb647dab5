package stages

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/fsutil"
	"github.com/iedon/assetpipe/renderer"
	"github.com/iedon/assetpipe/templatex"
)

// Render compiles pages into HTML inside their layout chain. The parsed
// layouts and partials are kept between runs until Invalidate is called.
type Render struct {
	md     *renderer.Renderer
	funcs  template.FuncMap
	engine *templatex.Engine
	// loadErrs holds layout and partial errors until the next Run reports them.
	loadErrs []*ItemError
}

// NewRender returns a render stage using md for markdown pages and funcs as
// template functions.
func NewRender(md *renderer.Renderer, funcs template.FuncMap) *Render {
	if md == nil {
		md = renderer.New()
	}
	return &Render{md: md, funcs: funcs}
}

func (r *Render) Name() Name { return RenderStage }

// SetFuncs replaces the template functions and drops the parsed templates.
func (r *Render) SetFuncs(funcs template.FuncMap) {
	r.funcs = funcs
	r.engine = nil
}

// Invalidate drops the parsed layouts and partials.
func (r *Render) Invalidate() { r.engine = nil }

// Preflight reports the configuration errors that would make Run fail, so a
// caller can abort before any stage writes output.
func (r *Render) Preflight(env *Env) error {
	if !env.Paths.Exists(assets.Page) {
		return Fatal(RenderStage, env.Paths.Base(assets.Page), ErrMissingInputDir)
	}
	_, err := r.loadEngine(env)
	return err
}

func (r *Render) Run(ctx context.Context, env *Env) (*Result, error) {
	start := time.Now()
	res := newResult(RenderStage)
	defer func() { res.Duration = time.Since(start) }()

	if !env.Paths.Exists(assets.Page) {
		return res, Fatal(RenderStage, env.Paths.Base(assets.Page), ErrMissingInputDir)
	}
	engine, err := r.loadEngine(env)
	res.Errors = append(res.Errors, r.loadErrs...)
	r.loadErrs = nil
	if err != nil {
		return res, err
	}
	pages, err := env.Paths.Files(assets.Page)
	if err != nil {
		return res, Fatal(RenderStage, "", err)
	}

	err = runIncremental(ctx, env, res, assets.Page, pages, itemOptions{}, func(ctx context.Context, rel, in, out string) (FileStat, error) {
		raw, err := os.ReadFile(in)
		if err != nil {
			return FileStat{}, err
		}
		page, meta, err := r.loadPage(env, rel, out, raw)
		if err != nil {
			return FileStat{}, err
		}
		var buf bytes.Buffer
		if err := engine.Render(&buf, page, env.Data.TemplateData(meta)); err != nil {
			return FileStat{}, err
		}
		if err := fsutil.WriteFile(out, buf.Bytes()); err != nil {
			return FileStat{}, Fatal(RenderStage, rel, err)
		}
		return FileStat{Before: int64(len(raw)), After: int64(buf.Len())}, nil
	})
	return res, err
}

// loadEngine parses layouts and partials and validates the layout graph.
// A file that cannot be read or parsed is excluded; a cycle is fatal.
func (r *Render) loadEngine(env *Env) (*templatex.Engine, error) {
	if r.engine != nil {
		return r.engine, nil
	}
	logger := env.logger()
	failures := newResult(RenderStage)
	engine := templatex.New(r.funcs)
	for _, class := range []assets.Class{assets.Partial, assets.Layout} {
		files, err := env.Paths.Files(class)
		if err != nil {
			return nil, Fatal(RenderStage, "", err)
		}
		for _, rel := range files {
			raw, err := os.ReadFile(env.Paths.Abs(rel))
			if err != nil {
				failures.fail(logger, rel, err)
				continue
			}
			name := templateName(env.Paths, class, rel)
			if class == assets.Layout {
				err = engine.AddLayout(name, rel, raw)
			} else {
				err = engine.AddPartial(name, rel, raw)
			}
			if err != nil {
				failures.fail(logger, rel, err)
			}
		}
	}
	if err := engine.Validate(); err != nil {
		var cycle *templatex.CycleError
		if errors.As(err, &cycle) && len(cycle.Cycle) > 0 {
			return nil, Fatal(RenderStage, cycle.Inputs[cycle.Cycle[0]], err)
		}
		return nil, Fatal(RenderStage, "", err)
	}
	r.engine = engine
	r.loadErrs = failures.Errors
	return engine, nil
}

// loadPage returns the page source and the front matter exposed as .page.
// Markdown pages are converted first and fill the layout's content block.
func (r *Render) loadPage(env *Env, rel, out string, raw []byte) (*templatex.Source, map[string]any, error) {
	name := templateName(env.Paths, assets.Page, rel)
	meta := map[string]any{}
	var page *templatex.Source

	if strings.EqualFold(path.Ext(rel), ".md") {
		md, err := r.md.Render(raw)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range md.Meta {
			meta[k] = v
		}
		layout, _ := md.Meta[templatex.LayoutKey].(string)
		layout = strings.TrimSpace(layout)
		page = &templatex.Source{Name: name, Path: rel, Body: templatex.MarkdownBody(layout != ""), Meta: md.Meta, Layout: layout}
		meta["content"] = template.HTML(md.HTML)
		meta["toc"] = md.TOC()
	} else {
		src, err := templatex.ParseSource(name, rel, raw)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range src.Meta {
			meta[k] = v
		}
		page = src
	}

	meta["name"] = name
	meta["source"] = rel
	if url, err := filepath.Rel(env.Paths.Dist(), out); err == nil {
		meta["url"] = "/" + filepath.ToSlash(url)
	}
	return page, meta, nil
}

// templateName is rel relative to the class base without its extension.
func templateName(paths *assets.PathSet, class assets.Class, rel string) string {
	name := rel
	if base, err := paths.Rel(paths.Base(class)); err == nil && base != "." {
		name = strings.TrimPrefix(rel, base+"/")
	}
	return strings.TrimSuffix(name, path.Ext(name))
}
