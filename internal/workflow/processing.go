package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"metaextract/internal/batch"
	"metaextract/internal/config"
	"metaextract/internal/extraction"
	"metaextract/internal/processor"
)

// StartRun validates the session and launches a background run over the
// selected files. It returns the initial state of the new run. A cancelled run
// blocks a new one until its in-flight files are done.
func (m *Manager) StartRun(ctx context.Context, settings RunSettings) (batch.State, error) {
	m.mu.Lock()
	if m.current != nil && !finished(m.current) {
		m.mu.Unlock()
		return batch.State{}, ErrAlreadyProcessing
	}
	if len(m.files) == 0 {
		m.mu.Unlock()
		return batch.State{}, ErrNoFiles
	}
	if !m.metadata.Complete() {
		m.mu.Unlock()
		return batch.State{}, ErrIncompleteConfig
	}
	resolved, err := m.resolveSettings(settings)
	if err != nil {
		m.mu.Unlock()
		return batch.State{}, err
	}

	m.metadata.BatchSize = resolved.BatchSize
	cfg := m.metadata.Clone()
	files := append([]extraction.FileRef(nil), m.files...)
	run := batch.NewRun(batch.RunOptions{
		ID:         uuid.NewString(),
		TotalFiles: len(files),
		MaxRetries: *resolved.MaxRetries,
		RetryDelay: resolved.RetryDelay,
		Mode:       resolved.Mode,
	})
	run.Subscribe(m.persistState)
	m.current = run
	m.runFiles = files
	baseCtx := m.baseCtx
	m.mu.Unlock()

	if err := m.selection.Put(ctx, sessionKeyRunFiles, files); err != nil {
		log.Warn().Str("run_id", run.ID()).Err(err).Msg("persist run files failed")
	}
	if err := m.results.Clear(ctx); err != nil {
		log.Warn().Str("run_id", run.ID()).Err(err).Msg("clear previous results failed")
	}
	m.persistState(run.Snapshot())

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.runner.Run(baseCtx, run, files, cfg, resolved.BatchSize, resolved.Mode)
	}()

	log.Info().
		Str("run_id", run.ID()).
		Int("files", len(files)).
		Str("mode", string(resolved.Mode)).
		Int("batch_size", resolved.BatchSize).
		Str("method", string(cfg.ExtractionMethod)).
		Msg("run started")
	return run.Snapshot(), nil
}

// RequestCancel asks the current run to stop. Sequential runs stop before the
// next file; parallel work already submitted still completes.
func (m *Manager) RequestCancel() (batch.State, error) {
	m.mu.RLock()
	run := m.current
	m.mu.RUnlock()
	if run == nil || !run.RequestCancel() {
		return batch.State{}, ErrNotProcessing
	}
	log.Warn().Str("run_id", run.ID()).Msg("processing cancelled")
	return run.Snapshot(), nil
}

// State returns a snapshot of the current or last run.
func (m *Manager) State() (batch.State, error) {
	m.mu.RLock()
	run := m.current
	m.mu.RUnlock()
	if run == nil {
		return batch.State{}, ErrNoRun
	}
	return run.Snapshot(), nil
}

// Summary reports the outcome of the current or last run.
func (m *Manager) Summary() (batch.Summary, error) {
	snap, err := m.State()
	if err != nil {
		return batch.Summary{}, err
	}
	return batch.Summarize(snap, m.RunFiles()), nil
}

// Wait blocks until the current run is finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	run := m.current
	m.mu.RUnlock()
	if run == nil {
		return ErrNoRun
	}
	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveSettings fills zero values from the defaults and validates ranges.
// Caller holds m.mu.
func (m *Manager) resolveSettings(s RunSettings) (RunSettings, error) {
	if s.BatchSize == 0 {
		s.BatchSize = m.metadata.BatchSize
	}
	if s.BatchSize == 0 {
		s.BatchSize = m.defaults.BatchSize
	}
	if s.MaxRetries == nil {
		n := m.defaults.MaxRetries
		s.MaxRetries = &n
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = m.defaults.RetryDelay
	}
	if s.Mode == "" {
		s.Mode = m.defaults.Mode
	}
	if !s.Mode.Valid() {
		return s, fmt.Errorf("%w: processing mode %q", ErrInvalidSettings, s.Mode)
	}
	if err := config.ValidateBatchControls(s.BatchSize, *s.MaxRetries, s.RetryDelay); err != nil {
		return s, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return s, nil
}

// finished reports whether the runner is done with run. A cancelled run keeps
// its in-flight files until then.
func finished(run *batch.Run) bool {
	select {
	case <-run.Done():
		return true
	default:
		return false
	}
}

// isCurrent reports whether runID belongs to the run the stores serve.
func (m *Manager) isCurrent(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.ID() == runID
}

// persistState writes the run snapshot as the single processing-state record.
func (m *Manager) persistState(s batch.State) {
	if !m.isCurrent(s.RunID) {
		return
	}
	if err := m.state.Put(context.Background(), stateKeyCurrent, s); err != nil { // best-effort
		log.Warn().Str("run_id", s.RunID).Err(err).Msg("persist processing state failed")
	}
}

// mirrorResult copies successful outcomes into the extraction results store.
func (m *Manager) mirrorResult(ctx context.Context, runID string, file extraction.FileRef, res processor.Result) {
	if !res.Success || !m.isCurrent(runID) {
		return
	}
	if err := m.results.Put(context.WithoutCancel(ctx), file.ID, res.Data); err != nil {
		log.Warn().Str("run_id", runID).Str("file_id", file.ID).Err(err).Msg("persist extraction result failed")
	}
}
