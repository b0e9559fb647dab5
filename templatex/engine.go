package templatex

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LayoutKey is the front matter key naming the parent layout.
const LayoutKey = "layout"

// ContentBlock is the block markdown pages fill with their rendered body.
const ContentBlock = "content"

var (
	// ErrLayoutCycle is wrapped by *CycleError.
	ErrLayoutCycle = errors.New("layout cycle")
	// ErrUnknownLayout is returned when a page or layout names a missing layout.
	ErrUnknownLayout = errors.New("unknown layout")
)

// CycleError describes a layout inheritance cycle.
type CycleError struct {
	// Cycle lists layout names starting and ending with the same name.
	Cycle []string
	// Inputs maps each layout in the cycle to its source path.
	Inputs map[string]string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrLayoutCycle, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrLayoutCycle }

// Source is a parsed template file: its front matter and body.
type Source struct {
	Name   string
	Path   string
	Body   string
	Meta   map[string]any
	Layout string
}

// Engine composes pages with their layout chain. Partials and layouts are
// registered once; each page is rendered on a clone of the partial set.
type Engine struct {
	funcs    template.FuncMap
	layouts  map[string]*Source
	partials map[string]*Source
	base     *template.Template
}

// New returns an engine exposing funcs to every template.
func New(funcs template.FuncMap) *Engine {
	return &Engine{
		funcs:    funcs,
		layouts:  make(map[string]*Source),
		partials: make(map[string]*Source),
	}
}

// AddLayout registers a layout. Its front matter may name a parent layout.
func (e *Engine) AddLayout(name, path string, raw []byte) error {
	src, err := ParseSource(name, path, raw)
	if err != nil {
		return err
	}
	e.layouts[name] = src
	e.base = nil
	return nil
}

// AddPartial registers a partial, callable as {{template "name" .}}.
func (e *Engine) AddPartial(name, path string, raw []byte) error {
	src, err := ParseSource(name, path, raw)
	if err != nil {
		return err
	}
	e.partials[name] = src
	e.base = nil
	return nil
}

// Layouts returns the sorted layout names.
func (e *Engine) Layouts() []string {
	names := make([]string, 0, len(e.layouts))
	for name := range e.layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseSource splits YAML front matter from the template body.
func ParseSource(name, path string, raw []byte) (*Source, error) {
	meta, body, err := SplitFrontMatter(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	src := &Source{Name: name, Path: path, Body: string(body), Meta: meta}
	if v, ok := meta[LayoutKey]; ok {
		layout, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be a string", path, LayoutKey)
		}
		src.Layout = strings.TrimSpace(layout)
	}
	return src, nil
}

// SplitFrontMatter returns the YAML mapping between leading "---" lines and the remaining body.
func SplitFrontMatter(raw []byte) (map[string]any, []byte, error) {
	meta := map[string]any{}
	text := bytes.TrimPrefix(raw, []byte("\ufeff"))
	if !bytes.HasPrefix(text, []byte("---\n")) && !bytes.HasPrefix(text, []byte("---\r\n")) {
		return meta, raw, nil
	}
	rest := text[bytes.IndexByte(text, '\n')+1:]
	var header []byte
	var body []byte
	found := false
	for offset := 0; offset <= len(rest); {
		end := bytes.IndexByte(rest[offset:], '\n')
		line := rest[offset:]
		next := len(rest)
		if end >= 0 {
			line = rest[offset : offset+end]
			next = offset + end + 1
		}
		if strings.TrimRight(string(line), "\r") == "---" {
			header = rest[:offset]
			body = rest[next:]
			found = true
			break
		}
		if end < 0 {
			break
		}
		offset = next
	}
	if !found {
		return nil, nil, fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal(header, &meta); err != nil {
		return nil, nil, fmt.Errorf("front matter: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, body, nil
}

// Validate checks the layout graph for cycles. Unknown parents are reported
// when a page using them renders.
func (e *Engine) Validate() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(e.layouts))
	for _, start := range e.Layouts() {
		if color[start] != white {
			continue
		}
		var stack []string
		name := start
		for {
			if _, ok := e.layouts[name]; !ok || color[name] == black {
				break
			}
			if color[name] == gray {
				idx := indexOf(stack, name)
				cycle := append(append([]string(nil), stack[idx:]...), name)
				inputs := make(map[string]string, len(cycle))
				for _, n := range cycle {
					inputs[n] = e.layouts[n].Path
				}
				return &CycleError{Cycle: cycle, Inputs: inputs}
			}
			color[name] = gray
			stack = append(stack, name)
			parent := e.layouts[name].Layout
			if parent == "" {
				break
			}
			name = parent
		}
		for _, n := range stack {
			color[n] = black
		}
	}
	return nil
}

// Chain returns the layouts a page naming layout inherits from, root last.
func (e *Engine) Chain(layout string) ([]*Source, error) {
	var chain []*Source
	seen := make(map[string]struct{})
	for name := layout; name != ""; {
		if _, dup := seen[name]; dup {
			return nil, &CycleError{Cycle: append(chainNames(chain), name)}
		}
		seen[name] = struct{}{}
		src, ok := e.layouts[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownLayout, name)
		}
		chain = append(chain, src)
		name = src.Layout
	}
	return chain, nil
}

// Render executes page inside its layout chain. Templates are parsed root
// layout first and page last so that later {{define}}s override the
// {{block}}s of their ancestors.
func (e *Engine) Render(w io.Writer, page *Source, data any) error {
	chain, err := e.Chain(page.Layout)
	if err != nil {
		return err
	}
	base, err := e.partialSet()
	if err != nil {
		return err
	}
	tpl, err := base.Clone()
	if err != nil {
		return fmt.Errorf("clone templates: %w", err)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		layout := chain[i]
		if _, err := tpl.New("layout:" + layout.Name).Parse(layout.Body); err != nil {
			return fmt.Errorf("parse layout %s: %w", layout.Path, err)
		}
	}
	pageName := "page:" + page.Name
	if _, err := tpl.New(pageName).Parse(page.Body); err != nil {
		return fmt.Errorf("parse page %s: %w", page.Path, err)
	}

	entry := pageName
	if len(chain) > 0 {
		entry = "layout:" + chain[len(chain)-1].Name
	}
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, entry, data); err != nil {
		return fmt.Errorf("execute %s: %w", page.Path, err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// partialSet returns the template set holding the functions and partials.
// It is never executed so it can be cloned for every page.
func (e *Engine) partialSet() (*template.Template, error) {
	if e.base != nil {
		return e.base, nil
	}
	base := template.New("").Funcs(e.funcs)
	names := make([]string, 0, len(e.partials))
	for name := range e.partials {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := e.partials[name]
		if _, err := base.New(name).Parse(p.Body); err != nil {
			return nil, fmt.Errorf("parse partial %s: %w", p.Path, err)
		}
	}
	e.base = base
	return base, nil
}

// MarkdownBody is the page body used for markdown pages: inside a layout it
// fills the content block, otherwise it is the whole page.
func MarkdownBody(hasLayout bool) string {
	if hasLayout {
		return `{{define "` + ContentBlock + `"}}{{.page.content}}{{end}}`
	}
	return `{{.page.content}}`
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func chainNames(chain []*Source) []string {
	out := make([]string, 0, len(chain))
	for _, s := range chain {
		out = append(out, s.Name)
	}
	return out
}
