// Package stages implements the build stages. Every stage selects its inputs
// through the PathSet, skips inputs whose cached artifact is still fresh,
// transforms the rest and removes the outputs of inputs that disappeared.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/datastore"
	"github.com/iedon/assetpipe/incremental"
	"github.com/iedon/assetpipe/logfields"
)

// Name identifies a stage in logs, metrics and caches.
type Name string

const (
	RenderStage      Name = "render"
	StyleStage       Name = "style"
	PlainStyleStage  Name = "plain-style"
	ScriptStage      Name = "script"
	ImageStage       Name = "image"
	CopyStage        Name = "copy"
	PostProcessStage Name = "post-process"
)

// All lists every stage name.
func All() []Name {
	return []Name{RenderStage, StyleStage, PlainStyleStage, ScriptStage, ImageStage, CopyStage, PostProcessStage}
}

// ErrMissingInputDir is returned when a required input directory is absent.
var ErrMissingInputDir = errors.New("missing required input directory")

// Stage is one step of the pipeline.
type Stage interface {
	Name() Name
	Run(ctx context.Context, env *Env) (*Result, error)
}

// Env carries everything a stage run may use. Cache belongs to the stage
// being run and is never shared with another stage.
type Env struct {
	Paths   *assets.PathSet
	Tracker *incremental.Tracker
	Cache   *incremental.Cache
	Logger  *slog.Logger
	// Data is the merged data context, set for the render stage.
	Data datastore.Context
	// Written lists the render outputs of this run, set for post-process.
	Written []string
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// ItemError records one input excluded from output.
type ItemError struct {
	Stage Name
	Input string
	Err   error
}

func (e *ItemError) Error() string { return fmt.Sprintf("%s %s: %v", e.Stage, e.Input, e.Err) }
func (e *ItemError) Unwrap() error { return e.Err }

// FatalError aborts a stage run. Input names the offending file when known.
type FatalError struct {
	Stage Name
	Input string
	Err   error
}

func (e *FatalError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Input, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as fatal for stage.
func Fatal(stage Name, input string, err error) error {
	return &FatalError{Stage: stage, Input: input, Err: err}
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// FileStat describes one output produced in a run.
type FileStat struct {
	Input  string
	Output string
	Before int64
	After  int64
}

// Result summarizes one stage run.
type Result struct {
	Stage     Name
	Inputs    int
	Processed int
	Skipped   int
	Removed   int
	// BytesBefore and BytesAfter cover every input of the run, cached or not.
	BytesBefore int64
	BytesAfter  int64
	// Files lists the outputs written in this run.
	Files []FileStat
	// Outputs is the full output set after the run, keyed by input.
	Outputs  map[string]string
	Errors   []*ItemError
	Duration time.Duration
}

func newResult(name Name) *Result {
	return &Result{Stage: name, Outputs: map[string]string{}}
}

// Written returns the outputs written in this run in input order.
func (r *Result) Written() []string {
	out := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f.Output)
	}
	return out
}

// OutputList returns the full output set sorted.
func (r *Result) OutputList() []string {
	out := make([]string, 0, len(r.Outputs))
	for _, o := range r.Outputs {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func (r *Result) fail(logger *slog.Logger, input string, err error) {
	r.Errors = append(r.Errors, &ItemError{Stage: r.Stage, Input: input, Err: err})
	logger.Warn("item excluded from output",
		logfields.Stage(string(r.Stage)),
		logfields.Input(input),
		logfields.Error(err))
}
