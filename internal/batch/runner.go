// Package batch drives a set of files through the single-file processor,
// sequentially or on a bounded worker pool, and keeps the run's progress.
package batch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"metaextract/internal/extraction"
	"metaextract/internal/processor"
)

// FileProcessor extracts metadata for one file.
type FileProcessor interface {
	Process(ctx context.Context, file extraction.FileRef, cfg extraction.Config) processor.Result
}

// OutcomeFunc observes each recorded outcome on the coordinating goroutine.
type OutcomeFunc func(ctx context.Context, runID string, file extraction.FileRef, res processor.Result)

type Runner struct {
	proc      FileProcessor
	onOutcome OutcomeFunc
}

type Option func(*Runner)

// WithOutcomeHook registers fn to be called after every recorded outcome.
func WithOutcomeHook(fn OutcomeFunc) Option {
	return func(r *Runner) { r.onOutcome = fn }
}

func NewRunner(proc FileProcessor, opts ...Option) *Runner {
	r := &Runner{proc: proc}
	for _, o := range opts {
		o(r)
	}
	return r
}

type outcome struct {
	file   extraction.FileRef
	result processor.Result
}

// Run processes files into run. It processes nothing when run is not
// processing, so it may be invoked repeatedly. On return the run is marked
// finished.
func (rn *Runner) Run(ctx context.Context, run *Run, files []extraction.FileRef, cfg extraction.Config, batchSize int, mode Mode) {
	if run == nil {
		return
	}
	if !run.IsProcessing() {
		run.finish()
		return
	}
	run.begin(len(files))
	logger := log.With().Str("run_id", run.ID()).Str("mode", string(mode)).Int("files", len(files)).Logger()
	logger.Info().Int("batch_size", batchSize).Msg("batch run started")

	if mode == ModeParallel {
		rn.runParallel(ctx, run, files, cfg, batchSize)
	} else {
		rn.runSequential(ctx, run, files, cfg)
	}

	run.finish()
	snap := run.Snapshot()
	logger.Info().
		Int("processed", snap.ProcessedFiles).
		Int("succeeded", len(snap.Results)).
		Int("failed", len(snap.Errors)).
		Bool("cancelled", snap.Cancelled).
		Msg("batch run finished")
}

func (rn *Runner) runSequential(ctx context.Context, run *Run, files []extraction.FileRef, cfg extraction.Config) {
	for i, file := range files {
		if !run.IsProcessing() {
			log.Info().Str("run_id", run.ID()).Int("remaining", len(files)-i).Msg("run cancelled, skipping remaining files")
			return
		}
		if err := ctx.Err(); err != nil {
			log.Warn().Str("run_id", run.ID()).Err(err).Int("remaining", len(files)-i).Msg("context done, stopping run")
			return
		}
		run.setCurrent(i, file.Name)
		res := rn.attempt(ctx, file, cfg)
		run.record(file.ID, res, false)
		rn.observe(ctx, run, file, res)
	}
}

// runParallel fans files out to at most batchSize workers. Workers only send
// outcomes; the calling goroutine is the single writer of run state.
func (rn *Runner) runParallel(ctx context.Context, run *Run, files []extraction.FileRef, cfg extraction.Config, batchSize int) {
	if batchSize < 1 {
		batchSize = 1
	}
	outcomes := make(chan outcome, len(files))

	go func() {
		var g errgroup.Group
		g.SetLimit(batchSize)
		for _, file := range files {
			file := file
			g.Go(func() error {
				outcomes <- outcome{file: file, result: rn.attempt(ctx, file, cfg)}
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		run.record(o.file.ID, o.result, true)
		rn.observe(ctx, run, o.file, o.result)
	}
}

// attempt converts a panicking processor into a failed outcome.
func (rn *Runner) attempt(ctx context.Context, file extraction.FileRef, cfg extraction.Config) (res processor.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("file_id", file.ID).Interface("panic", r).Msg("worker fault")
			res = processor.Result{Success: false, Error: fmt.Sprint(r)}
		}
	}()
	return rn.proc.Process(ctx, file, cfg)
}

func (rn *Runner) observe(ctx context.Context, run *Run, file extraction.FileRef, res processor.Result) {
	if rn.onOutcome != nil {
		rn.onOutcome(ctx, run.ID(), file, res)
	}
}
