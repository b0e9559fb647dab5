// Package site orchestrates the build stages: full builds, minimal rebuilds
// for a set of changed asset classes and the watch loop driving them.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/config"
	"github.com/iedon/assetpipe/datastore"
	"github.com/iedon/assetpipe/fsutil"
	"github.com/iedon/assetpipe/incremental"
	"github.com/iedon/assetpipe/logfields"
	"github.com/iedon/assetpipe/metrics"
	"github.com/iedon/assetpipe/minifier"
	"github.com/iedon/assetpipe/plugin"
	"github.com/iedon/assetpipe/renderer"
	"github.com/iedon/assetpipe/stages"
)

// ErrUnsafeOutputDir is returned when cleaning the output directory would
// delete the project sources.
var ErrUnsafeOutputDir = errors.New("output directory must not contain the project root")

// Option customizes a Service.
type Option func(*Service)

// WithSassCompiler replaces the external sass binary.
func WithSassCompiler(t stages.Transformer) Option {
	return func(s *Service) { s.compiler = t }
}

// WithStage replaces the asset stage of the same name. Render and
// post-process cannot be replaced.
func WithStage(st stages.Stage) Option {
	return func(s *Service) { s.overrides[st.Name()] = st }
}

// Service owns the stages, their caches and the data store of one site.
// Build, Rebuild and Clean must not run concurrently; the watch loop
// serializes them through a Scheduler.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder metrics.Recorder
	paths    *assets.PathSet

	md      *renderer.Renderer
	min     *minifier.Minifier
	tracker *incremental.Tracker
	caches  *incremental.Set
	data    *datastore.Store

	render *stages.Render
	post   *stages.PostProcess
	assets []stages.Stage

	compiler  stages.Transformer
	overrides map[stages.Name]stages.Stage
	report    stages.ReportOptions
}

// NewService wires the stages described by cfg. The cache busting token is
// fixed for the lifetime of the service.
func NewService(cfg *config.Config, logger *slog.Logger, recorder metrics.Recorder, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	paths, err := cfg.PathSet()
	if err != nil {
		return nil, err
	}
	if err := checkOutputDir(paths); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(stages.All()))
	for _, n := range stages.All() {
		names = append(names, string(n))
	}
	token := strconv.FormatInt(time.Now().UnixNano(), 36)

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		recorder:  recorder,
		paths:     paths,
		md:        renderer.New(),
		min:       minifier.New(cfg),
		tracker:   incremental.NewTracker(),
		caches:    incremental.NewSet(names...),
		data:      datastore.New(paths, token),
		overrides: make(map[stages.Name]stages.Stage),
		compiler: &stages.SassCompiler{
			Binary:    cfg.Style.SassBinary,
			LoadPaths: cfg.Style.LoadPaths,
			Style:     cfg.Style.OutputStyle,
			Timeout:   cfg.SassTimeout,
		},
		report: stages.ReportOptions{
			ShowFiles: cfg.Size.ShowFiles,
			ShowTotal: cfg.Size.ShowTotal,
			Pretty:    cfg.Size.Pretty,
			Gzip:      cfg.Size.Gzip,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.render = stages.NewRender(s.md, nil)
	s.post = stages.NewPostProcess(s.min, cfg.HTML.Minify)
	defaults := []stages.Stage{
		stages.NewCopy(),
		stages.NewStyle(s.compiler, s.min),
		stages.NewPlainStyle(s.min),
		stages.NewScript(s.min),
		stages.NewImage(&stages.ImageOptimizer{
			JPEGQuality: cfg.Image.JPEGQuality,
			PNGLevel:    stages.PNGLevel(cfg.Image.PNGCompression),
			Minifier:    s.min,
		}),
	}
	for _, st := range defaults {
		if o, ok := s.overrides[st.Name()]; ok {
			st = o
		}
		s.assets = append(s.assets, st)
	}
	s.reloadPlugins(logger)
	return s, nil
}

// Paths returns the asset classes the service builds.
func (s *Service) Paths() *assets.PathSet { return s.paths }

// Token returns the cache busting token exposed to templates.
func (s *Service) Token() string { return s.data.Token() }

// Build cleans the output directory and runs every stage. The layout graph
// and the pages directory are checked first so a configuration error leaves
// the previous output untouched.
func (s *Service) Build(ctx context.Context) error {
	logger := s.logger.With(logfields.RunID(uuid.NewString()))
	start := time.Now()
	defer func() { s.recorder.ObserveBuildDuration(time.Since(start)) }()
	logger.Info("build started", logfields.Output(s.paths.Dist()))

	s.reloadPlugins(logger)
	if err := s.preflight(logger); err != nil {
		return err
	}
	if err := fsutil.ResetDir(s.paths.Dist()); err != nil {
		return fmt.Errorf("clean output: %w", err)
	}
	s.caches.ResetAll()
	if err := fsutil.EnsureDirs(s.paths.OutputDirs()...); err != nil {
		return fmt.Errorf("create output dirs: %w", err)
	}

	if err := s.execute(ctx, logger, WorkAll); err != nil {
		logger.Error("build failed", logfields.Duration(time.Since(start)), logfields.Error(err))
		return err
	}
	logger.Info("build completed", logfields.Duration(time.Since(start)))
	return nil
}

// Rebuild runs only the stages w names, after applying its invalidations.
func (s *Service) Rebuild(ctx context.Context, w Work) error {
	logger := s.logger.With(logfields.RunID(uuid.NewString()), logfields.Work(w.String()))
	start := time.Now()
	defer func() { s.recorder.ObserveBuildDuration(time.Since(start)) }()
	logger.Info("rebuild started")

	if w.Has(WorkReloadPlugins) {
		s.reloadPlugins(logger)
	}
	if w.Has(WorkInvalidateRender) {
		s.render.Invalidate()
		s.caches.Invalidate(string(stages.RenderStage))
	}
	if w.Has(WorkRender) {
		if err := s.preflight(logger); err != nil {
			return err
		}
	}
	if err := fsutil.EnsureDirs(s.paths.OutputDirs()...); err != nil {
		return fmt.Errorf("create output dirs: %w", err)
	}

	if err := s.execute(ctx, logger, w); err != nil {
		return err
	}
	logger.Info("rebuild completed", logfields.Duration(time.Since(start)))
	return nil
}

// Clean removes the output directory and forgets every cached artifact.
func (s *Service) Clean() error {
	s.caches.ResetAll()
	s.render.Invalidate()
	if err := os.RemoveAll(s.paths.Dist()); err != nil {
		return fmt.Errorf("remove output: %w", err)
	}
	s.logger.Info("output removed", logfields.Output(s.paths.Dist()))
	return nil
}

func (s *Service) preflight(logger *slog.Logger) error {
	if err := s.render.Preflight(s.env(stages.RenderStage, logger)); err != nil {
		s.recorder.IncStageResult(string(stages.RenderStage), metrics.ResultFatal)
		logger.Error("render aborted before writing output", fatalAttrs(stages.RenderStage, err)...)
		return err
	}
	return nil
}

// execute runs the asset stages of w concurrently with render followed by
// post-process and waits for all of them. Style precedes plain-style. Every stage runs to completion;
// their fatal errors are joined.
func (s *Service) execute(ctx context.Context, logger *slog.Logger, w Work) error {
	var jobs []func() error
	var styles []stages.Stage
	for _, st := range s.assets {
		if !w.Has(assetWork[st.Name()]) {
			continue
		}
		if st.Name() == stages.StyleStage || st.Name() == stages.PlainStyleStage {
			styles = append(styles, st)
			continue
		}
		jobs = append(jobs, func() error {
			_, err := s.runStage(ctx, logger, st, s.env(st.Name(), logger))
			return err
		})
	}
	// Style and plain-style share an output dir. Plain-style runs second so
	// it sees the entry points style just built or removed.
	if len(styles) > 0 {
		jobs = append(jobs, func() error {
			errs := make([]error, 0, len(styles))
			for _, st := range styles {
				_, err := s.runStage(ctx, logger, st, s.env(st.Name(), logger))
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		})
	}
	if w.Has(WorkRender) {
		jobs = append(jobs, func() error { return s.renderPages(ctx, logger) })
	}

	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			errs[i] = job()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Service) renderPages(ctx context.Context, logger *slog.Logger) error {
	data, changed, errs := s.data.Load()
	for _, err := range errs {
		var ue *datastore.UnitError
		input := ""
		if errors.As(err, &ue) {
			input = ue.Input
		}
		logger.Warn("data unit degraded to empty mapping",
			logfields.Stage(string(stages.RenderStage)),
			logfields.Input(input),
			logfields.Error(err))
	}
	s.recorder.AddItemErrors(string(stages.RenderStage), len(errs))
	if changed {
		s.caches.Invalidate(string(stages.RenderStage))
	}

	env := s.env(stages.RenderStage, logger)
	env.Data = data
	res, err := s.runStage(ctx, logger, s.render, env)
	if err != nil {
		return err
	}

	env = s.env(stages.PostProcessStage, logger)
	env.Written = res.Written()
	_, err = s.runStage(ctx, logger, s.post, env)
	return err
}

func (s *Service) runStage(ctx context.Context, logger *slog.Logger, st stages.Stage, env *stages.Env) (*stages.Result, error) {
	name := string(st.Name())
	res, err := st.Run(ctx, env)
	if res != nil {
		s.recorder.ObserveStageDuration(name, res.Duration)
		s.recorder.AddStageBytes(name, res.BytesBefore, res.BytesAfter)
		s.recorder.AddItemErrors(name, len(res.Errors))
		opts := s.report
		// post-process reports the final HTML sizes
		opts.Intermediate = st.Name() == stages.RenderStage
		stages.Report(logger, res, opts)
	}
	switch {
	case err != nil:
		s.recorder.IncStageResult(name, metrics.ResultFatal)
		logger.Error("stage failed", fatalAttrs(st.Name(), err)...)
	case res != nil && len(res.Errors) > 0:
		s.recorder.IncStageResult(name, metrics.ResultPartial)
	default:
		s.recorder.IncStageResult(name, metrics.ResultSuccess)
	}
	return res, err
}

func (s *Service) env(name stages.Name, logger *slog.Logger) *stages.Env {
	return &stages.Env{
		Paths:   s.paths,
		Tracker: s.tracker,
		Cache:   s.caches.Stage(string(name)),
		Logger:  logger,
	}
}

// reloadPlugins rediscovers helper and decorator modules and hands them to
// the render stage, which drops its parsed templates.
func (s *Service) reloadPlugins(logger *slog.Logger) {
	reg, errs := plugin.Discover(s.paths, s.md, logger)
	for _, err := range errs {
		var le *plugin.LoadError
		input := ""
		if errors.As(err, &le) {
			input = le.Input
		}
		logger.Warn("plugin excluded",
			logfields.Stage(string(stages.RenderStage)),
			logfields.Input(input),
			logfields.Error(err))
	}
	s.render.SetFuncs(reg.FuncMap())
	logger.Debug("plugins loaded", slog.String("names", strings.Join(reg.Names(), ",")))
}

func fatalAttrs(stage stages.Name, err error) []any {
	attrs := []any{logfields.Stage(string(stage)), logfields.Error(err)}
	var fe *stages.FatalError
	if errors.As(err, &fe) && fe.Input != "" {
		attrs = append(attrs, logfields.Input(fe.Input))
	}
	return attrs
}

func checkOutputDir(paths *assets.PathSet) error {
	root, err := filepath.Abs(paths.Root())
	if err != nil {
		return err
	}
	dist, err := filepath.Abs(paths.Dist())
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dist, root)
	if err != nil {
		return nil
	}
	if rel == "." || !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s", ErrUnsafeOutputDir, paths.Dist())
	}
	return nil
}
