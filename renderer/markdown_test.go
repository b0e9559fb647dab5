package renderer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderExtractsFrontMatterAndHeadings(t *testing.T) {
	src := "---\nlayout: base\ntitle: About\ntags:\n  - a\n  - b\nauthor:\n  name: ops\n---\n# About us\n\n## About us\n\nText with `code`.\n"

	res, err := New().Render([]byte(src))
	require.NoError(t, err)

	assert.Equal(t, "base", res.Meta["layout"])
	assert.Equal(t, "About", res.Meta["title"])
	assert.Equal(t, []any{"a", "b"}, res.Meta["tags"])
	assert.Equal(t, map[string]any{"name": "ops"}, res.Meta["author"])

	require.Len(t, res.Headings, 2)
	assert.Equal(t, "about-us", res.Headings[0].ID)
	assert.Equal(t, "about-us-1", res.Headings[1].ID)

	html := string(res.HTML)
	assert.Contains(t, html, `<h1 id="about-us">About us</h1>`)
	assert.NotContains(t, html, "layout: base")

	toc := res.TOC()
	require.Len(t, toc, 2)
	assert.Equal(t, 2, toc[1]["level"])
}

func TestRenderHighlightsFencedCode(t *testing.T) {
	src := "```go\nfunc main() {}\n```\n"

	res, err := New().Render([]byte(src))
	require.NoError(t, err)
	html := string(res.HTML)
	assert.True(t, strings.HasPrefix(html, `<pre tabindex="0" class="z-chroma z-code language-go"`))
	assert.Empty(t, res.Meta)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "hello-world", slugify("  Hello, World "))
	assert.Equal(t, "section", slugify("!!!"))
}
