package assets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() []Rule {
	return []Rule{
		{Class: Page, Pattern: "src/pages/**/*.{tmpl,md}", Mode: Mirror, Ext: ".html", Emit: true, Required: true},
		{Class: Layout, Pattern: "src/layouts/**/*.tmpl"},
		{Class: DataUnit, Pattern: "src/data/*.{json,yaml,yml}"},
		{Class: Style, Pattern: "src/assets/css/**/*.scss", OutDir: "assets/css", Mode: Flat, Ext: ".css", Emit: true},
		{Class: PlainStyle, Pattern: "src/assets/css/**/*.css", OutDir: "assets/css", Mode: Flat, Emit: true},
		{Class: Image, Pattern: "src/assets/img/**/*.{png,jpg,svg}", OutDir: "assets/img", Mode: Mirror, Emit: true},
		{Class: GenericAsset, Pattern: "src/assets/**/*", OutDir: "assets", Mode: Mirror, Emit: true},
	}
}

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(rel), 0o644))
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New(".", "dist", []Rule{{Class: Page, Pattern: "src/[pages"}})
	require.Error(t, err)

	_, err = New(".", "", testRules())
	require.Error(t, err)
}

func TestClassifyPrefersSpecificClasses(t *testing.T) {
	ps, err := New(".", "dist", testRules())
	require.NoError(t, err)

	cases := map[string]Class{
		"src/pages/index.tmpl":         Page,
		"src/pages/blog/post.md":       Page,
		"src/layouts/base.tmpl":        Layout,
		"src/data/nav.json":            DataUnit,
		"src/assets/css/main.scss":     Style,
		"src/assets/css/vendor/x.css":  PlainStyle,
		"src/assets/img/logo.svg":      Image,
		"src/assets/fonts/inter.woff2": GenericAsset,
	}
	for rel, want := range cases {
		got, ok := ps.Classify(rel)
		require.True(t, ok, rel)
		assert.Equal(t, want, got, rel)
	}

	_, ok := ps.Classify("README.md")
	assert.False(t, ok)

	assert.True(t, ps.Claimed("src/assets/img/logo.svg"))
	assert.False(t, ps.Claimed("src/assets/fonts/inter.woff2"))
}

func TestOutputPathMirrorAndFlat(t *testing.T) {
	ps, err := New(".", "dist", testRules())
	require.NoError(t, err)

	out, err := ps.OutputPath(Page, "src/pages/blog/post.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("dist", "blog", "post.html"), out)

	out, err = ps.OutputPath(Style, "src/assets/css/themes/dark.scss")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("dist", "assets", "css", "dark.css"), out)

	out, err = ps.OutputPath(Image, "src/assets/img/icons/a.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("dist", "assets", "img", "icons", "a.png"), out)

	_, err = ps.OutputPath(Layout, "src/layouts/base.tmpl")
	require.Error(t, err)
}

func TestFilesListsMatchesSorted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/assets/img/b.png")
	writeFile(t, root, "src/assets/img/a/c.svg")
	writeFile(t, root, "src/assets/img/notes.txt")

	ps, err := New(root, filepath.Join(root, "dist"), testRules())
	require.NoError(t, err)

	files, err := ps.Files(Image)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/assets/img/a/c.svg", "src/assets/img/b.png"}, files)

	files, err = ps.Files(Page)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, ps.Exists(Page))
}

func TestOutputDirsDeduplicates(t *testing.T) {
	ps, err := New(".", "dist", testRules())
	require.NoError(t, err)

	dirs := ps.OutputDirs()
	assert.Contains(t, dirs, "dist")
	assert.Contains(t, dirs, filepath.Join("dist", "assets", "css"))
	assert.Len(t, dirs, 4)
}
