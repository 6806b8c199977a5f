package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"metaextract/internal/batch"
	"metaextract/internal/extraction"
	"metaextract/internal/processor"
	"metaextract/internal/store"
)

// fakeCaps answers freeform requests with {"answer": {"title": <fileID>}}
// and fails files whose id starts with "bad".
type fakeCaps struct {
	mu      sync.Mutex
	prompts map[string]string
	targets map[string]extraction.StructuredTarget
	block   chan struct{}
	entered chan string
}

func newFakeCaps() *fakeCaps {
	return &fakeCaps{prompts: map[string]string{}, targets: map[string]extraction.StructuredTarget{}}
}

func (f *fakeCaps) wait(fileID string) {
	if f.entered != nil {
		f.entered <- fileID
	}
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeCaps) ExtractStructured(_ context.Context, fileID string, target extraction.StructuredTarget, _ string) (any, error) {
	f.wait(fileID)
	f.mu.Lock()
	f.targets[fileID] = target
	f.mu.Unlock()
	if strings.HasPrefix(fileID, "bad") {
		return map[string]any{"error": "structured failed"}, nil
	}
	return map[string]any{"invoice_number": "INV-" + fileID, "items": []any{}}, nil
}

func (f *fakeCaps) ExtractFreeform(_ context.Context, fileID, prompt, _ string) (any, error) {
	f.wait(fileID)
	f.mu.Lock()
	f.prompts[fileID] = prompt
	f.mu.Unlock()
	if strings.HasPrefix(fileID, "bad") {
		return nil, errors.New("upstream unavailable")
	}
	return map[string]any{"answer": map[string]any{"title": fileID}}, nil
}

func newTestManager(t *testing.T, kv store.KV, caps extraction.Capabilities) *Manager {
	t.Helper()
	if kv == nil {
		kv = store.NewFileKV(t.TempDir())
	}
	return NewManager(Options{
		Store:        kv,
		Capabilities: caps,
		Metadata: extraction.Config{
			ExtractionMethod: extraction.MethodFreeform,
			FreeformPrompt:   "default prompt",
			AIModel:          "model-a",
		},
	})
}

func waitRun(t *testing.T, m *Manager) batch.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	st, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

func TestSetSelectionValidation(t *testing.T) {
	m := newTestManager(t, nil, newFakeCaps())
	ctx := context.Background()

	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: ""}}); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for empty id, got %v", err)
	}
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "a"}, {ID: "a"}}); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for duplicate id, got %v", err)
	}
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: " a "}, {ID: "b", Name: "b.pdf"}}); err != nil {
		t.Fatalf("set selection: %v", err)
	}
	got := m.Selection()
	if len(got) != 2 || got[0].ID != "a" || got[0].Name != "a" || got[1].Name != "b.pdf" {
		t.Fatalf("unexpected selection: %+v", got)
	}
}

func TestStartRunPreconditions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeCaps())

	if _, err := m.StartRun(ctx, RunSettings{}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetMetadataConfig(ctx, extraction.Config{ExtractionMethod: extraction.MethodStructured}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{}); !errors.Is(err, ErrIncompleteConfig) {
		t.Fatalf("expected ErrIncompleteConfig, got %v", err)
	}
	if err := m.SetMetadataConfig(ctx, extraction.Config{ExtractionMethod: extraction.MethodFreeform}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{BatchSize: 51}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	if _, err := m.StartRun(ctx, RunSettings{Mode: "Turbo"}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings for mode, got %v", err)
	}
	if _, err := m.State(); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun before any run, got %v", err)
	}
	if err := m.SetMetadataConfig(ctx, extraction.Config{ExtractionMethod: "vision"}); !errors.Is(err, ErrIncompleteConfig) {
		t.Fatalf("expected unknown method rejected, got %v", err)
	}
}

func TestRunStoresResultsAndErrors(t *testing.T) {
	ctx := context.Background()
	caps := newFakeCaps()
	m := newTestManager(t, nil, caps)
	files := []extraction.FileRef{{ID: "f1", Name: "one.pdf"}, {ID: "bad2", Name: "two.pdf"}, {ID: "f3", Name: "three.pdf"}}
	if err := m.SetSelection(ctx, files); err != nil {
		t.Fatal(err)
	}

	initial, err := m.StartRun(ctx, RunSettings{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if initial.RunID == "" || initial.TotalFiles != 3 || initial.ProcessingMode != batch.ModeSequential {
		t.Fatalf("unexpected initial state: %+v", initial)
	}
	if initial.MaxRetries != defaultMaxRetries || initial.RetryDelay != defaultRetryDelay {
		t.Fatalf("defaults not applied: %+v", initial)
	}

	st := waitRun(t, m)
	if st.IsProcessing || st.ProcessedFiles != 3 {
		t.Fatalf("unexpected final state: %+v", st)
	}
	if st.Results["f1"]["title"] != "f1" || st.Results["f3"]["title"] != "f3" {
		t.Fatalf("unexpected results: %+v", st.Results)
	}
	if st.Errors["bad2"] != "upstream unavailable" {
		t.Fatalf("unexpected errors: %+v", st.Errors)
	}

	stored, err := m.Results(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored["f1"]["title"] != "f1" {
		t.Fatalf("unexpected stored results: %+v", stored)
	}
	if _, err := m.Result(ctx, "bad2"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound for failed file, got %v", err)
	}

	sum, err := m.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 2 || len(sum.Failed) != 1 || sum.Failed[0].Name != "two.pdf" || sum.Complete {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestStartRunClearsPreviousResults(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeCaps())
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, m)

	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{Mode: batch.ModeParallel, BatchSize: 2}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, m)

	stored, err := m.Results(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stored["f1"]; ok || len(stored) != 1 {
		t.Fatalf("results of previous run should be cleared: %+v", stored)
	}
}

func TestAlreadyProcessingAndCancel(t *testing.T) {
	ctx := context.Background()
	caps := newFakeCaps()
	caps.block = make(chan struct{})
	caps.entered = make(chan string, 3)
	m := newTestManager(t, nil, caps)
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f1"}, {ID: "f2"}, {ID: "f3"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RequestCancel(); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing before a run, got %v", err)
	}
	if _, err := m.StartRun(ctx, RunSettings{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{}); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
	select {
	case id := <-caps.entered:
		if id != "f1" {
			t.Fatalf("expected f1 in flight, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for first file")
	}

	st, err := m.RequestCancel()
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.IsProcessing || !st.Cancelled {
		t.Fatalf("cancel should flip processing flag: %+v", st)
	}
	close(caps.block)

	final := waitRun(t, m)
	if final.ProcessedFiles != 1 {
		t.Fatalf("only the in-flight file should complete, processed=%d", final.ProcessedFiles)
	}
	if _, err := m.RequestCancel(); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("second cancel should report not processing, got %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if !m.WaitAll(wctx) {
		t.Fatalf("WaitAll should report all runs finished")
	}
}

// callCaps answers each freeform call with a title naming the call number.
// The first call blocks until release is closed.
type callCaps struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (c *callCaps) ExtractStructured(context.Context, string, extraction.StructuredTarget, string) (any, error) {
	return map[string]any{}, nil
}

func (c *callCaps) ExtractFreeform(_ context.Context, _, _, _ string) (any, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == 1 {
		close(c.entered)
		<-c.release
	}
	return map[string]any{"answer": map[string]any{"title": fmt.Sprintf("call-%d", n)}}, nil
}

func TestRestartAfterCancelKeepsStoresForNewRun(t *testing.T) {
	ctx := context.Background()
	kv := store.NewFileKV(t.TempDir())
	caps := &callCaps{entered: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, kv, caps)
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f1"}}); err != nil {
		t.Fatal(err)
	}
	first, err := m.StartRun(ctx, RunSettings{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-caps.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for first file")
	}
	if _, err := m.RequestCancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// the cancelled run still owns an in-flight file
	if _, err := m.StartRun(ctx, RunSettings{}); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing while cancelled run drains, got %v", err)
	}
	close(caps.release)
	waitRun(t, m)

	second, err := m.StartRun(ctx, RunSettings{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatalf("restart should create a new run")
	}
	st := waitRun(t, m)
	if st.Results["f1"]["title"] != "call-2" {
		t.Fatalf("unexpected state result: %+v", st.Results)
	}

	// late writes from the old run are dropped
	m.mirrorResult(ctx, first.RunID, extraction.FileRef{ID: "f1"}, processor.Result{Success: true, Data: map[string]any{"title": "stale"}})
	m.persistState(batch.State{RunID: first.RunID})

	got, err := m.Result(ctx, "f1")
	if err != nil || got["title"] != "call-2" {
		t.Fatalf("results store should hold the new run's data: %v %v", got, err)
	}
	persisted, err := store.NewCollection[batch.State](kv, store.NamespaceState).Get(ctx, stateKeyCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.RunID != second.RunID || persisted.IsProcessing {
		t.Fatalf("persisted state should be the finished new run, got run_id=%s processing=%v", persisted.RunID, persisted.IsProcessing)
	}
}

func TestExplicitDefaultsAreKept(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Options{
		Store:        store.NewFileKV(t.TempDir()),
		Capabilities: newFakeCaps(),
		Defaults:     Defaults{BatchSize: 2, MaxRetries: 0, RetryDelay: 1, Mode: batch.ModeParallel},
		Metadata:     extraction.Config{ExtractionMethod: extraction.MethodFreeform},
	})
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f1"}}); err != nil {
		t.Fatal(err)
	}
	st, err := m.StartRun(ctx, RunSettings{})
	if err != nil {
		t.Fatal(err)
	}
	if st.MaxRetries != 0 || st.RetryDelay != 1 || st.ProcessingMode != batch.ModeParallel {
		t.Fatalf("explicit defaults not kept: %+v", st)
	}
	waitRun(t, m)
}

func TestFeedbackAndDocumentTypeRouting(t *testing.T) {
	ctx := context.Background()
	caps := newFakeCaps()
	m := newTestManager(t, nil, caps)
	cfg := extraction.Config{
		ExtractionMethod:    extraction.MethodFreeform,
		FreeformPrompt:      "generic",
		DocumentTypePrompts: map[string]string{"Invoice": "invoice prompt"},
	}
	if err := m.SetMetadataConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCategorization(ctx, map[string]string{"f1": "Invoice"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetFeedback(ctx, "f2", extraction.MethodFreeform, map[string]any{"title": "corrected"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f1"}, {ID: "f2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{}); err != nil {
		t.Fatal(err)
	}
	st := waitRun(t, m)

	if caps.prompts["f1"] != "invoice prompt" || caps.prompts["f2"] != "generic" {
		t.Fatalf("unexpected prompts: %+v", caps.prompts)
	}
	if st.Results["f2"]["title"] != "corrected" {
		t.Fatalf("feedback not applied: %+v", st.Results["f2"])
	}
	fields, ok, err := m.Feedback(ctx, "f2", extraction.MethodFreeform)
	if err != nil || !ok || fields["title"] != "corrected" {
		t.Fatalf("feedback lookup: %v %v %v", fields, ok, err)
	}
	if _, ok, _ := m.Feedback(ctx, "f2", extraction.MethodStructured); ok {
		t.Fatalf("feedback is keyed by method")
	}
}

func TestStructuredRunUsesMappedTemplate(t *testing.T) {
	ctx := context.Background()
	caps := newFakeCaps()
	m := newTestManager(t, nil, caps)
	if err := m.SetMetadataConfig(ctx, extraction.Config{
		ExtractionMethod: extraction.MethodStructured,
		UseTemplate:      true,
		TemplateID:       "enterprise_1_fallback",
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCategorization(ctx, map[string]string{"f1": "Invoice"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDocumentTypeTemplates(ctx, map[string]string{"Invoice": "enterprise_1_invoice"}); err != nil {
		t.Fatal(err)
	}
	mapping, err := m.DocumentTypeTemplates(ctx)
	if err != nil || mapping["Invoice"] != "enterprise_1_invoice" {
		t.Fatalf("mapping: %v %v", mapping, err)
	}
	if err := m.SetSelection(ctx, []extraction.FileRef{{ID: "f1"}, {ID: "f2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRun(ctx, RunSettings{}); err != nil {
		t.Fatal(err)
	}
	st := waitRun(t, m)

	if got := caps.targets["f1"].Template; got == nil || got.TemplateKey != "invoice" || got.Scope != "enterprise_1" {
		t.Fatalf("unexpected template for f1: %+v", got)
	}
	if got := caps.targets["f2"].Template; got == nil || got.TemplateKey != "fallback" {
		t.Fatalf("unexpected template for f2: %+v", got)
	}
	if _, ok := st.Results["f1"]["items"]; ok || st.Results["f1"]["invoice_number"] != "INV-f1" {
		t.Fatalf("unexpected structured result: %+v", st.Results["f1"])
	}
}

func TestTemplatesSaveListLoad(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeCaps())

	if err := m.SaveTemplate(ctx, "  "); !errors.Is(err, ErrEmptyTemplateName) {
		t.Fatalf("expected ErrEmptyTemplateName, got %v", err)
	}
	if err := m.SaveTemplate(ctx, "freeform-default"); err != nil {
		t.Fatal(err)
	}
	structured := extraction.Config{
		ExtractionMethod: extraction.MethodStructured,
		CustomFields:     []extraction.Field{{Name: "amount", Type: "float"}},
	}
	if err := m.SetMetadataConfig(ctx, structured); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveTemplate(ctx, "amounts"); err != nil {
		t.Fatal(err)
	}

	names, err := m.ListTemplates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "amounts,freeform-default" {
		t.Fatalf("unexpected template names: %v", names)
	}

	loaded, err := m.LoadTemplate(ctx, "freeform-default")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ExtractionMethod != extraction.MethodFreeform || m.MetadataConfig().FreeformPrompt != "default prompt" {
		t.Fatalf("unexpected loaded config: %+v", loaded)
	}
	if _, err := m.LoadTemplate(ctx, "missing"); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestLoadFromStoreMarksInterruptedRunStopped(t *testing.T) {
	ctx := context.Background()
	kv := store.NewFileKV(t.TempDir())
	states := store.NewCollection[batch.State](kv, store.NamespaceState)
	interrupted := batch.State{
		RunID:          "old-run",
		IsProcessing:   true,
		TotalFiles:     2,
		ProcessedFiles: 1,
		CurrentFile:    "two.pdf",
		Results:        map[string]map[string]any{"f1": {"title": "x"}},
		Errors:         map[string]string{},
		ProcessingMode: batch.ModeSequential,
	}
	if err := states.Put(ctx, stateKeyCurrent, interrupted); err != nil {
		t.Fatal(err)
	}
	session := store.NewCollection[[]extraction.FileRef](kv, store.NamespaceSession)
	if err := session.Put(ctx, sessionKeySelection, []extraction.FileRef{{ID: "f1"}, {ID: "f2"}}); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, kv, newFakeCaps())
	if err := m.LoadFromStore(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Selection()) != 2 {
		t.Fatalf("selection not restored: %+v", m.Selection())
	}
	st, err := m.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.IsProcessing || st.CurrentFile != "" || st.RunID != "old-run" || st.ProcessedFiles != 1 {
		t.Fatalf("unexpected restored state: %+v", st)
	}
	persisted, err := states.Get(ctx, stateKeyCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.IsProcessing {
		t.Fatalf("interrupted run should be persisted as stopped")
	}

	// A restored run does not block a new one.
	if _, err := m.StartRun(ctx, RunSettings{}); err != nil {
		t.Fatalf("start after restore: %v", err)
	}
	waitRun(t, m)
}

func TestLoadFromStoreEmpty(t *testing.T) {
	m := newTestManager(t, nil, newFakeCaps())
	if err := m.LoadFromStore(context.Background()); err != nil {
		t.Fatalf("load empty store: %v", err)
	}
	if _, err := m.State(); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun, got %v", err)
	}
}
