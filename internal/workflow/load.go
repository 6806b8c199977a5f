package workflow

import (
	"context"
	"errors"
	"fmt"

	"metaextract/internal/batch"
	"metaextract/internal/store"
)

// LoadFromStore restores the session and the last run state. A run that was
// still processing when the previous process exited is marked as stopped.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	files, err := m.selection.Get(ctx, sessionKeySelection)
	switch {
	case err == nil:
		m.mu.Lock()
		m.files = files
		m.mu.Unlock()
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load selection: %w", err)
	}

	cfg, err := m.metadataCfg.Get(ctx, sessionKeyMetadata)
	switch {
	case err == nil:
		m.mu.Lock()
		m.metadata = cfg
		m.mu.Unlock()
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load metadata config: %w", err)
	}

	state, err := m.state.Get(ctx, stateKeyCurrent)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load processing state: %w", err)
	}
	runFiles, err := m.selection.Get(ctx, sessionKeyRunFiles)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load run files: %w", err)
	}
	interrupted := state.IsProcessing
	run := batch.Restore(state)
	m.mu.Lock()
	m.current = run
	m.runFiles = runFiles
	m.mu.Unlock()
	if interrupted {
		m.persistState(run.Snapshot())
	}
	return nil
}
