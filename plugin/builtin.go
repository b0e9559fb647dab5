package plugin

import (
	"fmt"
	"html"
	"html/template"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/iedon/assetpipe/renderer"
)

// DefaultEmphasisColor is used by emphasize when no color option is given.
const DefaultEmphasisColor = "#ffeb3b"

type builtinModule struct {
	md *renderer.Renderer
}

// Builtins returns the module registering the helpers and decorators shipped
// with the pipeline: uppercase, markdown and emphasize.
func Builtins(md *renderer.Renderer) Module {
	if md == nil {
		md = renderer.New()
	}
	return &builtinModule{md: md}
}

func (m *builtinModule) Name() string { return "builtin" }

func (m *builtinModule) Register(b Builder) error {
	if err := b.RegisterHelper("uppercase", Uppercase); err != nil {
		return err
	}
	if err := b.RegisterHelper("markdown", m.markdown); err != nil {
		return err
	}
	return b.RegisterDecorator("emphasize", Emphasize)
}

// Uppercase upper-cases its first argument. Anything but a string yields "".
func Uppercase(args ...any) (any, error) {
	if len(args) == 0 {
		return "", nil
	}
	s, ok := args[0].(string)
	if !ok {
		return "", nil
	}
	return cases.Upper(language.Und).String(s), nil
}

func (m *builtinModule) markdown(args ...any) (any, error) {
	if len(args) == 0 {
		return template.HTML(""), nil
	}
	var src string
	switch v := args[0].(type) {
	case string:
		src = v
	case template.HTML:
		src = string(v)
	case nil:
		return template.HTML(""), nil
	default:
		src = fmt.Sprint(v)
	}
	res, err := m.md.Render([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("markdown: %w", err)
	}
	return template.HTML(res.HTML), nil
}

// Emphasize wraps content in a span styled by the color, style and type options.
// type "background" (the default) paints the background, "text" colors the text;
// style may add bold or italic.
func Emphasize(content template.HTML, opts map[string]any) (template.HTML, error) {
	color := optString(opts, "color", DefaultEmphasisColor)
	style := optString(opts, "style", "normal")
	kind := optString(opts, "type", "background")

	var styles []string
	if kind == "background" {
		styles = append(styles, "background-color: "+color, "padding: 2px 4px", "border-radius: 2px")
	} else {
		styles = append(styles, "color: "+color)
	}
	switch style {
	case "bold":
		styles = append(styles, "font-weight: bold")
	case "italic":
		styles = append(styles, "font-style: italic")
	}

	body := strings.TrimSpace(string(content))
	return template.HTML(`<span style="` + html.EscapeString(strings.Join(styles, "; ")) + `">` + body + `</span>`), nil
}

func optString(opts map[string]any, key, fallback string) string {
	v, ok := opts[key]
	if !ok || v == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return fallback
	}
	return s
}
