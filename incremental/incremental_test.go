package incremental

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, name string, at time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(filepath.Base(name)), 0o644))
	require.NoError(t, os.Chtimes(name, at, at))
}

func TestTrackerIsUnchanged(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.css")
	out := filepath.Join(dir, "out", "in.css")
	base := time.Now().Add(-time.Hour)

	tr := NewTracker()
	touch(t, in, base)
	assert.False(t, tr.IsUnchanged(in, out), "missing output")

	touch(t, out, base)
	assert.True(t, tr.IsUnchanged(in, out), "equal times count as unchanged")

	touch(t, in, base.Add(time.Minute))
	assert.False(t, tr.IsUnchanged(in, out), "input newer than output")

	touch(t, out, base.Add(2*time.Minute))
	assert.True(t, tr.IsUnchanged(in, out))

	assert.False(t, tr.IsUnchanged(filepath.Join(dir, "gone.css"), out))
}

func TestCacheSupersedesEntries(t *testing.T) {
	c := NewCache()
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	c.Put("a.png", Artifact{ModTime: t0, Output: "dist/a.png"})
	c.Put("a.png", Artifact{ModTime: t1, Output: "dist/a.png"})
	assert.Equal(t, 1, c.Len())

	got, ok := c.Lookup("a.png")
	require.True(t, ok)
	assert.Equal(t, "a.png", got.Input)
	assert.True(t, got.ModTime.Equal(t1))

	_, ok = c.Fresh("a.png", t0)
	assert.False(t, ok)
	_, ok = c.Fresh("a.png", t1)
	assert.True(t, ok)

	snapshot := c.Get()
	delete(snapshot, "a.png")
	assert.Equal(t, 1, c.Len(), "Get returns a copy")

	c.Evict("a.png")
	assert.Equal(t, 0, c.Len())
}

func TestSetInvalidateIsPerStage(t *testing.T) {
	s := NewSet("render", "image")
	s.Put("render", "index.tmpl", Artifact{Output: "dist/index.html"})
	s.Put("image", "a.png", Artifact{Output: "dist/a.png"})
	s.Put("unknown", "x", Artifact{})

	s.Invalidate("render")
	render := s.Get("render")
	require.Len(t, render, 1, "invalidated outputs stay recorded")
	assert.True(t, render["index.tmpl"].ModTime.IsZero())
	assert.Equal(t, "dist/index.html", render["index.tmpl"].Output)
	assert.Len(t, s.Get("image"), 1)
	assert.Nil(t, s.Stage("unknown"))

	s.Evict("image", "a.png")
	assert.Empty(t, s.Get("image"))

	s.ResetAll()
	assert.Equal(t, 0, s.Stage("render").Len())
}

func TestInvalidateMissesFreshKeepsOutput(t *testing.T) {
	c := NewCache()
	t0 := time.Unix(100, 0)
	c.Put("docs/faq.md", Artifact{ModTime: t0, Output: "dist/docs/faq.html"})

	c.Invalidate()
	_, ok := c.Fresh("docs/faq.md", t0)
	assert.False(t, ok)
	got, ok := c.Lookup("docs/faq.md")
	require.True(t, ok)
	assert.Equal(t, "dist/docs/faq.html", got.Output)

	c.Reset()
	assert.Equal(t, 0, c.Len())
}
