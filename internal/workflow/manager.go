// Package workflow owns the extraction session: the selected files, the
// metadata configuration, saved templates and feedback, and the lifecycle of
// batch runs triggered by the presentation layer.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"metaextract/internal/batch"
	"metaextract/internal/extraction"
	"metaextract/internal/processor"
	"metaextract/internal/store"
)

// Manager coordinates the session state and background runs.
type Manager struct {
	mu       sync.RWMutex
	files    []extraction.FileRef
	metadata extraction.Config
	defaults Defaults
	current  *batch.Run
	runFiles []extraction.FileRef

	runner    *batch.Runner
	workersWG sync.WaitGroup
	baseCtx   context.Context

	selection      store.Collection[[]extraction.FileRef]
	metadataCfg    store.Collection[extraction.Config]
	templates      store.Collection[extraction.Config]
	feedback       store.Collection[map[string]any]
	results        store.Collection[map[string]any]
	state          store.Collection[batch.State]
	categorization store.Collection[string]
	docTemplates   store.Collection[string]
}

// NewManager creates a manager backed by opts.Store. A nil store falls back
// to a file store under ./data.
func NewManager(opts Options) *Manager {
	kv := opts.Store
	if kv == nil {
		kv = store.NewFileKV("data")
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = extraction.Unavailable()
	}
	defaults := opts.Defaults
	if defaults == (Defaults{}) {
		defaults = Defaults{
			BatchSize:  defaultBatchSize,
			MaxRetries: defaultMaxRetries,
			RetryDelay: defaultRetryDelay,
			Mode:       batch.ModeSequential,
		}
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = defaultBatchSize
	}
	if defaults.MaxRetries < 0 {
		defaults.MaxRetries = defaultMaxRetries
	}
	if defaults.RetryDelay <= 0 {
		defaults.RetryDelay = defaultRetryDelay
	}
	if !defaults.Mode.Valid() {
		defaults.Mode = batch.ModeSequential
	}

	m := &Manager{
		metadata:       opts.Metadata.Clone(),
		defaults:       defaults,
		baseCtx:        context.Background(),
		selection:      store.NewCollection[[]extraction.FileRef](kv, store.NamespaceSession),
		metadataCfg:    store.NewCollection[extraction.Config](kv, store.NamespaceSession),
		templates:      store.NewCollection[extraction.Config](kv, store.NamespaceTemplates),
		feedback:       store.NewCollection[map[string]any](kv, store.NamespaceFeedback),
		results:        store.NewCollection[map[string]any](kv, store.NamespaceResults),
		state:          store.NewCollection[batch.State](kv, store.NamespaceState),
		categorization: store.NewCollection[string](kv, store.NamespaceCategorization),
		docTemplates:   store.NewCollection[string](kv, store.NamespaceDocumentTypeTemplates),
	}
	proc := processor.New(caps, processor.Options{
		DocumentTypes: categorizationLookup{col: m.categorization},
		Templates:     documentTypeTemplates{col: m.docTemplates},
		Feedback:      feedbackLookup{col: m.feedback},
	})
	m.runner = batch.NewRunner(proc, batch.WithOutcomeHook(m.mirrorResult))
	return m
}

// SetBaseContext sets the base context handed to runs. Intended to be set at
// process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// WaitAll blocks until all background runs finish or the context is done.
// Returns true if all runs finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// SetSelection replaces the selected files. Ids must be present and unique.
func (m *Manager) SetSelection(ctx context.Context, files []extraction.FileRef) error {
	seen := make(map[string]struct{}, len(files))
	cleaned := make([]extraction.FileRef, 0, len(files))
	for _, f := range files {
		f.ID = strings.TrimSpace(f.ID)
		if f.ID == "" {
			return NewErrInvalidSelection("file id is required")
		}
		if _, dup := seen[f.ID]; dup {
			return NewErrInvalidSelection("duplicate file id " + f.ID)
		}
		seen[f.ID] = struct{}{}
		if f.Name == "" {
			f.Name = f.ID
		}
		cleaned = append(cleaned, f)
	}

	m.mu.Lock()
	m.files = cleaned
	m.mu.Unlock()
	if err := m.selection.Put(ctx, sessionKeySelection, cleaned); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	log.Info().Int("files", len(cleaned)).Msg("selection updated")
	return nil
}

func (m *Manager) Selection() []extraction.FileRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]extraction.FileRef(nil), m.files...)
}

// SetMetadataConfig replaces the extraction configuration used by the next run.
func (m *Manager) SetMetadataConfig(ctx context.Context, cfg extraction.Config) error {
	if cfg.ExtractionMethod != extraction.MethodStructured && cfg.ExtractionMethod != extraction.MethodFreeform {
		return fmt.Errorf("%w: unknown extraction method %q", ErrIncompleteConfig, cfg.ExtractionMethod)
	}
	cfg = cfg.Clone()
	m.mu.Lock()
	m.metadata = cfg
	m.mu.Unlock()
	if err := m.metadataCfg.Put(ctx, sessionKeyMetadata, cfg); err != nil {
		return fmt.Errorf("persist metadata config: %w", err)
	}
	return nil
}

func (m *Manager) MetadataConfig() extraction.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.Clone()
}

// SaveTemplate stores the current configuration under name.
func (m *Manager) SaveTemplate(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyTemplateName
	}
	if err := m.templates.Put(ctx, name, m.MetadataConfig()); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	log.Info().Str("template", name).Msg("template saved")
	return nil
}

// LoadTemplate replaces the current configuration with a saved one.
func (m *Manager) LoadTemplate(ctx context.Context, name string) (extraction.Config, error) {
	cfg, err := m.templates.Get(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return extraction.Config{}, ErrTemplateNotFound
		}
		return extraction.Config{}, fmt.Errorf("load template: %w", err)
	}
	if err := m.SetMetadataConfig(ctx, cfg); err != nil {
		return extraction.Config{}, err
	}
	log.Info().Str("template", name).Msg("template loaded")
	return cfg, nil
}

// ListTemplates returns saved template names in sorted order.
func (m *Manager) ListTemplates(ctx context.Context) ([]string, error) {
	all, err := m.templates.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SetFeedback stores corrected field values for a file and method.
func (m *Manager) SetFeedback(ctx context.Context, fileID string, method extraction.Method, fields map[string]any) error {
	if fileID == "" {
		return NewErrInvalidSelection("file id is required")
	}
	if err := m.feedback.Put(ctx, FeedbackKey(fileID, method), fields); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// Feedback returns the stored corrections, false when none exist.
func (m *Manager) Feedback(ctx context.Context, fileID string, method extraction.Method) (map[string]any, bool, error) {
	return feedbackLookup{col: m.feedback}.Feedback(ctx, fileID, method)
}

// SetCategorization replaces the fileID -> document type results.
func (m *Manager) SetCategorization(ctx context.Context, documentTypes map[string]string) error {
	if err := m.categorization.ReplaceAll(ctx, documentTypes); err != nil {
		return fmt.Errorf("save categorization: %w", err)
	}
	return nil
}

// SetDocumentTypeTemplates replaces the document type -> template id mapping.
func (m *Manager) SetDocumentTypeTemplates(ctx context.Context, mapping map[string]string) error {
	if err := m.docTemplates.ReplaceAll(ctx, mapping); err != nil {
		return fmt.Errorf("save document type templates: %w", err)
	}
	return nil
}

func (m *Manager) DocumentTypeTemplates(ctx context.Context) (map[string]string, error) {
	return m.docTemplates.All(ctx)
}

// Results returns the stored extraction results of the last run.
func (m *Manager) Results(ctx context.Context) (map[string]map[string]any, error) {
	all, err := m.results.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	out := make(map[string]map[string]any, len(all))
	for id, data := range all {
		out[id] = data
	}
	return out, nil
}

func (m *Manager) Result(ctx context.Context, fileID string) (map[string]any, error) {
	data, err := m.results.Get(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	return data, err
}

// RunFiles returns the files of the current or last run.
func (m *Manager) RunFiles() []extraction.FileRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]extraction.FileRef(nil), m.runFiles...)
}
