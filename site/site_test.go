package site

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/config"
	"github.com/iedon/assetpipe/metrics"
	"github.com/iedon/assetpipe/stages"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, root, rel string, data []byte) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
	return full
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSass struct{ calls atomic.Int32 }

func (f *fakeSass) Transform(context.Context, string, []byte) ([]byte, error) {
	f.calls.Add(1)
	return []byte("/* compiled */ body { color: red; }\n"), nil
}

func newSite(t *testing.T) (string, *config.Config) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"src/templates/layouts/base.tmpl":  `<!doctype html><html><head><title>{{.page.title}}</title><link rel="stylesheet" href="/assets/css/main.css?v={{.cacheBust}}"></head><body>{{template "nav" .}}<main>{{block "content" .}}{{end}}</main></body></html>`,
		"src/templates/partials/nav.tmpl":  `<nav>{{range .nav.items}}<a>{{.}}</a>{{end}}</nav>`,
		"src/templates/pages/index.tmpl":   "---\nlayout: base\ntitle: Home\n---\n{{define \"content\"}}<h1>{{uppercase \"site\"}}</h1><p>{{shout \"hi\"}}</p>{{end}}",
		"src/templates/pages/docs/faq.md":  "---\nlayout: base\ntitle: FAQ\n---\n# Questions\n",
		"src/data/nav.json":                `{"items":["Home","About"]}`,
		"src/data/site.yaml":               "name: Example\n",
		"src/helpers/shout.star":           "def shout(s):\n    return s.upper() + \"!\"\n\ndef register(hb):\n    hb.register_helper(\"shout\", shout)\n",
		"src/assets/css/main.scss":         "@use 'vars';\nbody { color: $c; }\n",
		"src/assets/css/_vars.scss":        "$c: red;\n",
		"src/assets/css/vendor/reset.css":  "html , body { margin : 0 ; }\n",
		"src/assets/js/app.js":             "function add(first, second) {\n  return first + second;\n}\n",
		"src/assets/img/anim.gif":          "GIF89a",
		"src/assets/img/icons/dot.svg":     `<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"><circle cx="5.000" cy="5.000" r="4" /></svg>`,
		"src/assets/fonts/inter.woff2":     "font-bytes",
	}
	for rel, content := range files {
		writeFile(t, root, rel, []byte(content))
	}
	writeFile(t, root, "src/assets/img/logo.png", pngBytes(t))

	cfg := config.Default()
	cfg.Paths.Root = root
	cfg.Size = config.SizeConfig{}
	return root, cfg
}

func newService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(cfg, discard(), metrics.NoopRecorder{}, opts...)
	require.NoError(t, err)
	return svc
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, name)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	}))
	return out
}

func TestBuildProducesSiteTree(t *testing.T) {
	_, cfg := newSite(t)
	sass := &fakeSass{}
	svc := newService(t, cfg, WithSassCompiler(sass))

	require.NoError(t, svc.Build(context.Background()))
	tree := snapshot(t, svc.Paths().Dist())

	for _, rel := range []string{
		"index.html",
		"docs/faq.html",
		"assets/css/main.css",
		"assets/css/reset.css",
		"assets/js/app.js",
		"assets/img/anim.gif",
		"assets/img/logo.png",
		"assets/img/icons/dot.svg",
		"assets/fonts/inter.woff2",
	} {
		assert.Contains(t, tree, rel)
	}
	assert.NotContains(t, tree, "assets/css/_vars.css")
	assert.NotContains(t, tree, "assets/main.scss")
	assert.Len(t, tree, 9)

	home := tree["index.html"]
	assert.Contains(t, home, "<h1>SITE</h1>")
	assert.Contains(t, home, "HI!")
	assert.Contains(t, home, "<a>Home</a><a>About</a>")
	assert.Contains(t, home, "main.css?v="+svc.Token())
	assert.Contains(t, tree["docs/faq.html"], "Questions")
	assert.Contains(t, tree["assets/css/reset.css"], "margin:0")
	assert.Contains(t, tree["assets/css/main.css"], "color:red")
	assert.Equal(t, int32(1), sass.calls.Load())
}

func TestTwoBuildsProduceIdenticalTrees(t *testing.T) {
	_, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))

	require.NoError(t, svc.Build(context.Background()))
	first := snapshot(t, svc.Paths().Dist())
	require.NoError(t, svc.Build(context.Background()))
	second := snapshot(t, svc.Paths().Dist())

	assert.Equal(t, first, second)
}

func TestRebuildRemovesDeletedImage(t *testing.T) {
	root, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))
	out := filepath.Join(svc.Paths().Dist(), "assets", "img", "anim.gif")
	require.FileExists(t, out)

	in := filepath.Join(root, "src", "assets", "img", "anim.gif")
	require.NoError(t, os.Remove(in))
	w := svc.WorkForPath(in)
	assert.Equal(t, WorkImage, w)
	require.NoError(t, svc.Rebuild(context.Background(), w))

	assert.NoFileExists(t, out)
	assert.FileExists(t, filepath.Join(svc.Paths().Dist(), "assets", "img", "logo.png"))
}

func TestRebuildRunsOnlyRequestedStages(t *testing.T) {
	root, cfg := newSite(t)
	sass := &fakeSass{}
	svc := newService(t, cfg, WithSassCompiler(sass))
	require.NoError(t, svc.Build(context.Background()))

	js := writeFile(t, root, "src/assets/js/app.js", []byte("var  answer = 42 ;\n"))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(js, later, later))
	require.NoError(t, svc.Rebuild(context.Background(), svc.WorkForPath(js)))

	assert.Equal(t, int32(1), sass.calls.Load())
	data, err := os.ReadFile(filepath.Join(svc.Paths().Dist(), "assets", "js", "app.js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "42")

	vars := filepath.Join(root, "src", "assets", "css", "_vars.scss")
	require.NoError(t, os.Chtimes(vars, later, later))
	require.NoError(t, svc.Rebuild(context.Background(), svc.WorkForPath(vars)))
	assert.Equal(t, int32(2), sass.calls.Load())
}

func TestDataChangeRerendersUnchangedPages(t *testing.T) {
	root, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))

	nav := writeFile(t, root, "src/data/nav.json", []byte(`{"items":["Start"]}`))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(nav, later, later))
	require.NoError(t, svc.Rebuild(context.Background(), svc.WorkForPath(nav)))

	home, err := os.ReadFile(filepath.Join(svc.Paths().Dist(), "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(home), "<a>Start</a>")
	assert.NotContains(t, string(home), "About")
}

func TestLayoutChangeWithDeletedPageRemovesItsOutput(t *testing.T) {
	root, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))
	faq := filepath.Join(svc.Paths().Dist(), "docs", "faq.html")
	require.FileExists(t, faq)

	require.NoError(t, os.Remove(filepath.Join(root, "src", "templates", "pages", "docs", "faq.md")))
	layout := filepath.Join(root, "src", "templates", "layouts", "base.tmpl")
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(layout, later, later))
	require.NoError(t, svc.Rebuild(context.Background(), WorkFor(assets.Page)|WorkFor(assets.Layout)))

	assert.NoFileExists(t, faq)
	assert.FileExists(t, filepath.Join(svc.Paths().Dist(), "index.html"))
}

func TestDataChangeWithDeletedPageRemovesItsOutput(t *testing.T) {
	root, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))
	faq := filepath.Join(svc.Paths().Dist(), "docs", "faq.html")
	require.FileExists(t, faq)

	require.NoError(t, os.Remove(filepath.Join(root, "src", "templates", "pages", "docs", "faq.md")))
	nav := writeFile(t, root, "src/data/nav.json", []byte(`{"items":["Start"]}`))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(nav, later, later))
	require.NoError(t, svc.Rebuild(context.Background(), WorkFor(assets.Page)|WorkFor(assets.DataUnit)))

	assert.NoFileExists(t, faq)
	home, err := os.ReadFile(filepath.Join(svc.Paths().Dist(), "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(home), "<a>Start</a>")
}

func TestPlainStylesheetReplacesRemovedScssEntryPoint(t *testing.T) {
	root, cfg := newSite(t)
	writeFile(t, root, "src/assets/css/main.css", []byte("h1 { color : blue ; }\n"))
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))

	out := filepath.Join(svc.Paths().Dist(), "assets", "css", "main.css")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "color:red")
	assert.NotContains(t, string(data), "blue")

	scss := filepath.Join(root, "src", "assets", "css", "main.scss")
	require.NoError(t, os.Remove(scss))
	require.NoError(t, svc.Rebuild(context.Background(), svc.WorkForPath(scss)))

	data, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "color:blue")
}

func TestLayoutCycleLeavesPreviousOutput(t *testing.T) {
	root, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))
	before := snapshot(t, svc.Paths().Dist())

	writeFile(t, root, "src/templates/layouts/base.tmpl", []byte("---\nlayout: outer\n---\n{{block \"content\" .}}{{end}}"))
	writeFile(t, root, "src/templates/layouts/outer.tmpl", []byte("---\nlayout: base\n---\nouter"))

	err := svc.Build(context.Background())
	require.Error(t, err)
	assert.True(t, stages.IsFatal(err))
	assert.Equal(t, before, snapshot(t, svc.Paths().Dist()))

	err = svc.Rebuild(context.Background(), WorkFor(assets.Layout))
	require.Error(t, err)
	assert.Equal(t, before, snapshot(t, svc.Paths().Dist()))
}

func TestFatalStageErrorFailsBuildAfterOthersFinish(t *testing.T) {
	_, cfg := newSite(t)
	boom := errors.New("disk full")
	failing := stages.NewScript(nil).WithTransformer(stages.TransformFunc(func(context.Context, string, []byte) ([]byte, error) {
		return nil, stages.Fatal(stages.ScriptStage, "src/assets/js/app.js", boom)
	}))
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}), WithStage(failing))

	err := svc.Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.FileExists(t, filepath.Join(svc.Paths().Dist(), "index.html"))
	assert.FileExists(t, filepath.Join(svc.Paths().Dist(), "assets", "img", "logo.png"))
}

func TestCleanRemovesOutput(t *testing.T) {
	_, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))
	require.NoError(t, svc.Clean())
	assert.NoDirExists(t, svc.Paths().Dist())
}

func TestNewServiceRejectsOutputContainingRoot(t *testing.T) {
	_, cfg := newSite(t)
	cfg.Paths.OutputDir = "."
	_, err := NewService(cfg, discard(), nil)
	assert.ErrorIs(t, err, ErrUnsafeOutputDir)
}

func TestWorkForClasses(t *testing.T) {
	cases := map[assets.Class]Work{
		assets.Page:         WorkRender,
		assets.DataUnit:     WorkRender,
		assets.Layout:       WorkInvalidateRender | WorkRender,
		assets.Partial:      WorkInvalidateRender | WorkRender,
		assets.Helper:       WorkReloadPlugins | WorkInvalidateRender | WorkRender,
		assets.Decorator:    WorkReloadPlugins | WorkInvalidateRender | WorkRender,
		assets.Style:        WorkStyle | WorkPlainStyle,
		assets.PlainStyle:   WorkPlainStyle,
		assets.Script:       WorkScript,
		assets.Image:        WorkImage,
		assets.GenericAsset: WorkCopy,
	}
	for class, want := range cases {
		assert.Equal(t, want, WorkFor(class), class.String())
	}
	assert.Equal(t, "invalidate-render+render", (WorkRender | WorkInvalidateRender).String())
	assert.Equal(t, "none", Work(0).String())
}

func TestWorkForPathsAndRemovedDirectories(t *testing.T) {
	root, cfg := newSite(t)
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))

	assert.Equal(t, WorkCopy, svc.WorkForPath(filepath.Join(root, "src/assets/fonts/inter.woff2")))
	assert.Equal(t, WorkPlainStyle, svc.WorkForPath(filepath.Join(root, "src/assets/css/vendor/reset.css")))
	assert.Equal(t, Work(0), svc.WorkForPath(filepath.Join(root, "README.md")))

	w := svc.workUnder("src/assets/img/icons")
	assert.True(t, w.Has(WorkImage))
	assert.True(t, w.Has(WorkCopy))
	assert.False(t, w.Has(WorkRender))

	assert.True(t, svc.inOutput(filepath.Join(svc.Paths().Dist(), "index.html")))
	assert.False(t, svc.inOutput(filepath.Join(root, "src")))
}

func TestSchedulerCoalescesWorkArrivingDuringRun(t *testing.T) {
	started := make(chan Work, 4)
	release := make(chan struct{})
	notified := make(chan error, 4)
	run := func(_ context.Context, w Work) error {
		started <- w
		<-release
		return nil
	}
	sched := NewScheduler(run, func(err error) { notified <- err }, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	require.NoError(t, sched.Submit(ctx, WorkStyle))
	assert.Equal(t, WorkStyle, <-started)

	require.NoError(t, sched.Submit(ctx, WorkStyle))
	require.NoError(t, sched.Submit(ctx, WorkStyle))
	release <- struct{}{}
	require.NoError(t, <-notified)

	assert.Equal(t, WorkStyle, <-started)
	release <- struct{}{}
	require.NoError(t, <-notified)

	select {
	case w := <-started:
		t.Fatalf("unexpected extra run %s", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerNotifiesFailuresAndKeepsRunning(t *testing.T) {
	boom := errors.New("layout cycle")
	var calls atomic.Int32
	run := func(_ context.Context, w Work) error {
		if calls.Add(1) == 1 {
			return boom
		}
		return nil
	}
	notified := make(chan error, 4)
	sched := NewScheduler(run, func(err error) { notified <- err }, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	require.NoError(t, sched.Submit(ctx, WorkRender))
	assert.ErrorIs(t, <-notified, boom)
	require.NoError(t, sched.Submit(ctx, WorkRender))
	assert.NoError(t, <-notified)
	assert.Equal(t, int32(2), calls.Load())
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) calls() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func TestWatchRebuildsChangedInputs(t *testing.T) {
	root, cfg := newSite(t)
	cfg.ReloadDebounce = 50 * time.Millisecond
	svc := newService(t, cfg, WithSassCompiler(&fakeSass{}))
	require.NoError(t, svc.Build(context.Background()))
	dist := svc.Paths().Dist()

	watcher, err := svc.newWatcher()
	require.NoError(t, err)
	defer watcher.Close()
	n := &recordingNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.watchLoop(ctx, watcher, n) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	writeFile(t, root, "src/templates/pages/about.tmpl", []byte("---\nlayout: base\ntitle: About\n---\n{{define \"content\"}}about us{{end}}"))
	require.Eventually(t, func() bool { return len(n.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(dist, "about.html"))
	assert.NoError(t, n.calls()[0])

	// one debounced batch triggers one run
	time.Sleep(4 * cfg.ReloadDebounce)
	assert.Len(t, n.calls(), 1)

	require.NoError(t, os.Chmod(filepath.Join(root, "src", "templates", "pages", "index.tmpl"), 0o600))
	writeFile(t, dist, "stray.txt", []byte("x"))
	time.Sleep(4 * cfg.ReloadDebounce)
	assert.Len(t, n.calls(), 1, "chmod and output writes are ignored")

	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "templates", "pages", "blog"), 0o755))
	writeFile(t, root, "src/templates/pages/blog/post.md", []byte("---\nlayout: base\ntitle: Post\n---\n# First post\n"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dist, "blog", "post.html"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(n.calls()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	for _, err := range n.calls() {
		assert.NoError(t, err)
	}
}
