// Package plugin holds the typed registry of template helpers and decorators.
//
// A helper is a pure function callable from templates. A decorator wraps a
// piece of content into markup and receives its options as key/value pairs:
//
//	{{uppercase .site.title}}
//	{{emphasize "Note" "color" "#ffeb3b" "type" "background"}}
package plugin

import (
	"errors"
	"fmt"
	"html"
	"html/template"
	"sort"
	"strings"
)

// Kind distinguishes helpers from decorators.
type Kind int

const (
	KindHelper Kind = iota
	KindDecorator
)

func (k Kind) String() string {
	if k == KindDecorator {
		return "decorator"
	}
	return "helper"
}

// HelperFunc is a template helper. It receives the template arguments as is.
type HelperFunc func(args ...any) (any, error)

// DecoratorFunc wraps content into markup using opts.
type DecoratorFunc func(content template.HTML, opts map[string]any) (template.HTML, error)

// ErrInvalidName is returned for names that cannot be used as template functions.
var ErrInvalidName = errors.New("invalid plugin name")

// Builder is handed to every module so it can register its functions.
type Builder interface {
	RegisterHelper(name string, fn HelperFunc) error
	RegisterDecorator(name string, fn DecoratorFunc) error
}

// Module contributes helpers and decorators through a Builder.
type Module interface {
	Name() string
	Register(b Builder) error
}

// Entry is one registered function.
type Entry struct {
	Name      string
	Kind      Kind
	Module    string
	Helper    HelperFunc
	Decorator DecoratorFunc
}

// Registry maps function names to entries. Later registrations replace
// earlier ones so project modules can override the built-in functions.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Install runs the Register entry point of m against the registry.
func (r *Registry) Install(m Module) error {
	b := &moduleBuilder{registry: r, module: m.Name()}
	if err := m.Register(b); err != nil {
		return fmt.Errorf("plugin %s: %w", m.Name(), err)
	}
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FuncMap exposes every entry as a template function.
func (r *Registry) FuncMap() template.FuncMap {
	funcs := make(template.FuncMap, len(r.entries))
	for name, e := range r.entries {
		switch e.Kind {
		case KindHelper:
			fn := e.Helper
			funcs[name] = func(args ...any) (any, error) { return fn(args...) }
		case KindDecorator:
			fn := e.Decorator
			funcs[name] = func(content any, kv ...any) (template.HTML, error) {
				opts, err := pairs(kv)
				if err != nil {
					return "", fmt.Errorf("%s: %w", name, err)
				}
				return fn(asHTML(content), opts)
			}
		}
	}
	return funcs
}

func (r *Registry) add(e Entry) error {
	if !validName(e.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

type moduleBuilder struct {
	registry *Registry
	module   string
}

func (b *moduleBuilder) RegisterHelper(name string, fn HelperFunc) error {
	if fn == nil {
		return fmt.Errorf("helper %q: nil function", name)
	}
	return b.registry.add(Entry{Name: name, Kind: KindHelper, Module: b.module, Helper: fn})
}

func (b *moduleBuilder) RegisterDecorator(name string, fn DecoratorFunc) error {
	if fn == nil {
		return fmt.Errorf("decorator %q: nil function", name)
	}
	return b.registry.add(Entry{Name: name, Kind: KindDecorator, Module: b.module, Decorator: fn})
}

// validName accepts identifiers usable as template function names.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func pairs(kv []any) (map[string]any, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("options must be key/value pairs, got %d values", len(kv))
	}
	opts := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("option key %v is not a string", kv[i])
		}
		opts[key] = kv[i+1]
	}
	return opts, nil
}

// asHTML treats template.HTML as trusted markup and escapes everything else.
func asHTML(v any) template.HTML {
	switch val := v.(type) {
	case template.HTML:
		return val
	case string:
		return template.HTML(html.EscapeString(val))
	case nil:
		return ""
	default:
		return template.HTML(html.EscapeString(strings.TrimSpace(fmt.Sprint(val))))
	}
}
