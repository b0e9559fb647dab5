package site

import (
	"context"
	"log/slog"

	"github.com/iedon/assetpipe/logfields"
)

// Runner executes one batch of work.
type Runner func(ctx context.Context, w Work) error

// Scheduler serializes triggered runs. While a run is in progress new work is
// merged into a single pending set, so at most one follow-up run follows the
// current one. All state is owned by the goroutine executing Run.
type Scheduler struct {
	run    Runner
	notify func(error)
	logger *slog.Logger
	submit chan Work
}

// NewScheduler returns a scheduler calling run for each batch and notify once
// after every finished batch with the batch's error.
func NewScheduler(run Runner, notify func(error), logger *slog.Logger) *Scheduler {
	if notify == nil {
		notify = func(error) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{run: run, notify: notify, logger: logger, submit: make(chan Work)}
}

// Submit hands w to the scheduler. It blocks until the scheduler accepts the
// work or ctx is done.
func (s *Scheduler) Submit(ctx context.Context, w Work) error {
	if w == 0 {
		return nil
	}
	select {
	case s.submit <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes submitted work until ctx is cancelled. A running batch is
// not interrupted; Run waits for it before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		pending Work
		running bool
		done    = make(chan error, 1)
	)
	start := func(w Work) {
		running = true
		s.logger.Debug("run started", logfields.Work(w.String()))
		go func() { done <- s.run(context.WithoutCancel(ctx), w) }()
	}

	for {
		select {
		case <-ctx.Done():
			if running {
				<-done
			}
			return ctx.Err()
		case w := <-s.submit:
			if running {
				pending |= w
				continue
			}
			start(w)
		case err := <-done:
			running = false
			if err != nil {
				s.logger.Error("run failed", logfields.Error(err))
			}
			s.notify(err)
			if pending != 0 {
				w := pending
				pending = 0
				start(w)
			}
		}
	}
}
