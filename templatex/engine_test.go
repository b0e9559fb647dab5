package templatex

import (
	"bytes"
	"errors"
	"html/template"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseLayout = `<html><head><title>{{block "title" .}}Default{{end}}</title></head>
<body>{{template "nav" .}}<header>BASE-HEADER</header>{{block "content" .}}base content{{end}}<footer>{{block "footer" .}}BASE-FOOTER{{end}}</footer></body></html>`

const sectionLayout = `---
layout: base
---
{{define "content"}}<section>SECTION-TOP{{block "body" .}}section body{{end}}</section>{{end}}`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(template.FuncMap{"upper": strings.ToUpper})
	require.NoError(t, e.AddPartial("nav", "partials/nav.tmpl", []byte(`<nav>{{with .nav}}{{range .items}}<a>{{.}}</a>{{end}}{{end}}</nav>`)))
	require.NoError(t, e.AddLayout("base", "layouts/base.tmpl", []byte(baseLayout)))
	require.NoError(t, e.AddLayout("section", "layouts/section.tmpl", []byte(sectionLayout)))
	require.NoError(t, e.Validate())
	return e
}

func render(t *testing.T, e *Engine, name, raw string, data any) string {
	t.Helper()
	page, err := ParseSource(name, "pages/"+name+".tmpl", []byte(raw))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, e.Render(&buf, page, data))
	return buf.String()
}

func TestRenderSingleLevelInheritance(t *testing.T) {
	e := newEngine(t)
	data := map[string]any{"nav": map[string]any{"items": []any{"Home", "About"}}}

	out := render(t, e, "home", "---\nlayout: base\ntitle: Home\n---\n{{define \"title\"}}Home{{end}}{{define \"content\"}}<p>{{upper \"site\"}}</p>{{end}}", data)

	assert.Contains(t, out, "<title>Home</title>")
	assert.Contains(t, out, "<p>SITE</p>")
	assert.Contains(t, out, "<nav><a>Home</a><a>About</a></nav>")
	assert.Equal(t, 1, strings.Count(out, "BASE-HEADER"))
	assert.Equal(t, 1, strings.Count(out, "BASE-FOOTER"))
	assert.NotContains(t, out, "base content")
}

func TestRenderNestedLayoutsIncludeEveryAncestorOnce(t *testing.T) {
	e := newEngine(t)

	out := render(t, e, "post", "---\nlayout: section\n---\n{{define \"body\"}}POST-BODY{{end}}", map[string]any{})

	assert.Equal(t, 1, strings.Count(out, "BASE-HEADER"))
	assert.Equal(t, 1, strings.Count(out, "BASE-FOOTER"))
	assert.Equal(t, 1, strings.Count(out, "SECTION-TOP"))
	assert.Equal(t, 1, strings.Count(out, "POST-BODY"))
	assert.NotContains(t, out, "section body")
	assert.Contains(t, out, "<title>Default</title>")
}

func TestRenderWithoutLayout(t *testing.T) {
	e := newEngine(t)
	out := render(t, e, "plain", "<p>{{.page.title}}</p>", map[string]any{"page": map[string]any{"title": "x<y"}})
	assert.Equal(t, "<p>x&lt;y</p>", out)
}

func TestRenderClonesPerPage(t *testing.T) {
	e := newEngine(t)
	first := render(t, e, "a", "---\nlayout: base\n---\n{{define \"content\"}}AAA{{end}}", map[string]any{})
	second := render(t, e, "b", "---\nlayout: base\n---\n", map[string]any{})

	assert.Contains(t, first, "AAA")
	assert.NotContains(t, second, "AAA")
	assert.Contains(t, second, "base content")
}

func TestUnknownLayout(t *testing.T) {
	e := newEngine(t)
	page, err := ParseSource("x", "pages/x.tmpl", []byte("---\nlayout: missing\n---\nhi"))
	require.NoError(t, err)

	err = e.Render(&bytes.Buffer{}, page, nil)
	require.ErrorIs(t, err, ErrUnknownLayout)
}

func TestValidateDetectsCycle(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.AddLayout("a", "layouts/a.tmpl", []byte("---\nlayout: b\n---\nA")))
	require.NoError(t, e.AddLayout("b", "layouts/b.tmpl", []byte("---\nlayout: c\n---\nB")))
	require.NoError(t, e.AddLayout("c", "layouts/c.tmpl", []byte("---\nlayout: a\n---\nC")))
	require.NoError(t, e.AddLayout("solo", "layouts/solo.tmpl", []byte("S")))

	err := e.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLayoutCycle))

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Cycle)
	assert.Equal(t, "layouts/b.tmpl", cycleErr.Inputs["b"])
	assert.Equal(t, "layout cycle: a -> b -> c -> a", err.Error())
}

func TestValidateSelfReference(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.AddLayout("self", "layouts/self.tmpl", []byte("---\nlayout: self\n---\nX")))

	var cycleErr *CycleError
	require.ErrorAs(t, e.Validate(), &cycleErr)
	assert.Equal(t, []string{"self", "self"}, cycleErr.Cycle)
}

func TestSplitFrontMatter(t *testing.T) {
	meta, body, err := SplitFrontMatter([]byte("---\ntitle: A\nlayout: base\n---\nbody\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "A", "layout": "base"}, meta)
	assert.Equal(t, "body\n", string(body))

	meta, body, err = SplitFrontMatter([]byte("no front matter"))
	require.NoError(t, err)
	assert.Empty(t, meta)
	assert.Equal(t, "no front matter", string(body))

	meta, body, err = SplitFrontMatter([]byte("---\r\ntitle: B\r\n---\r\nx"))
	require.NoError(t, err)
	assert.Equal(t, "B", meta["title"])
	assert.Equal(t, "x", string(body))

	_, _, err = SplitFrontMatter([]byte("---\ntitle: A\n"))
	require.Error(t, err)

	_, err = ParseSource("bad", "bad.tmpl", []byte("---\nlayout: [a]\n---\n"))
	require.Error(t, err)
}

func TestMarkdownBody(t *testing.T) {
	e := newEngine(t)
	page := &Source{Name: "doc", Path: "pages/doc.md", Body: MarkdownBody(true), Layout: "base"}
	var buf bytes.Buffer
	data := map[string]any{"page": map[string]any{"content": template.HTML("<h1>Doc</h1>")}}
	require.NoError(t, e.Render(&buf, page, data))
	assert.Contains(t, buf.String(), "<h1>Doc</h1>")
	assert.NotContains(t, buf.String(), "base content")
}
