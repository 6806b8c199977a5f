// Package processor runs metadata extraction for a single file and turns
// every outcome, including faults, into a Result.
package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"metaextract/internal/extraction"
	"metaextract/internal/normalize"
)

// RawResponseKey holds the unmodified response when no fields could be found.
const RawResponseKey = "_raw_response"

// excludedResponseKeys are not copied from structured responses.
var excludedResponseKeys = map[string]struct{}{
	"error":    {},
	"items":    {},
	"response": {},
}

// Result is the uniform per-file outcome.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// DocumentTypeLookup resolves the categorized document type of a file. An
// empty string means the file has not been categorized.
type DocumentTypeLookup interface {
	DocumentType(ctx context.Context, fileID string) (string, error)
}

// TemplateLookup maps a document type to a template id, empty when unmapped.
type TemplateLookup interface {
	TemplateFor(ctx context.Context, documentType string) (string, error)
}

// FeedbackLookup returns user corrections for a file and method.
type FeedbackLookup interface {
	Feedback(ctx context.Context, fileID string, method extraction.Method) (map[string]any, bool, error)
}

// Processor resolves extraction parameters and calls the capability set.
type Processor struct {
	caps      extraction.Capabilities
	docTypes  DocumentTypeLookup
	templates TemplateLookup
	feedback  FeedbackLookup
}

// Options groups the optional collaborators; nil lookups behave as empty.
type Options struct {
	DocumentTypes DocumentTypeLookup
	Templates     TemplateLookup
	Feedback      FeedbackLookup
}

func New(caps extraction.Capabilities, opts Options) *Processor {
	if caps == nil {
		caps = extraction.Unavailable()
	}
	return &Processor{
		caps:      caps,
		docTypes:  opts.DocumentTypes,
		templates: opts.Templates,
		feedback:  opts.Feedback,
	}
}

// Process extracts metadata for file. It never panics and never returns an
// error; failures are reported through Result.
func (p *Processor) Process(ctx context.Context, file extraction.FileRef, cfg extraction.Config) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("file_id", file.ID).Str("file", file.Name).Interface("panic", r).Msg("processing file panicked")
			res = Result{Success: false, Error: fmt.Sprint(r)}
		}
	}()

	res, err := p.process(ctx, file, cfg)
	if err != nil {
		log.Error().Str("file_id", file.ID).Str("file", file.Name).Err(err).Msg("error processing file")
		return Result{Success: false, Error: err.Error()}
	}
	return res
}

func (p *Processor) process(ctx context.Context, file extraction.FileRef, cfg extraction.Config) (Result, error) {
	log.Info().Str("file_id", file.ID).Str("file", file.Name).Str("method", string(cfg.ExtractionMethod)).Msg("processing file")

	overrides, hasFeedback, err := p.lookupFeedback(ctx, file.ID, cfg.ExtractionMethod)
	if err != nil {
		return Result{}, fmt.Errorf("load feedback: %w", err)
	}
	documentType, err := p.lookupDocumentType(ctx, file.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve document type: %w", err)
	}
	if documentType != "" {
		log.Debug().Str("file_id", file.ID).Str("document_type", documentType).Msg("file has document type")
	}

	var (
		response any
		data     map[string]any
	)
	switch cfg.ExtractionMethod {
	case extraction.MethodStructured:
		target, err := p.structuredTarget(ctx, documentType, cfg)
		if err != nil {
			return Result{}, err
		}
		response, err = p.caps.ExtractStructured(ctx, file.ID, target, cfg.AIModel)
		if err != nil {
			return Result{}, err
		}
		data = copyFields(response)
	case extraction.MethodFreeform:
		prompt := freeformPrompt(documentType, cfg)
		response, err = p.caps.ExtractFreeform(ctx, file.ID, prompt, cfg.AIModel)
		if err != nil {
			return Result{}, err
		}
		shape, fields := normalize.Classify(response)
		log.Debug().Str("file_id", file.ID).Str("shape", shape.String()).Msg("normalized freeform response")
		data = make(map[string]any, len(fields))
		for key, value := range fields {
			data[key] = value
		}
		if len(data) == 0 && response != nil {
			data = map[string]any{RawResponseKey: response}
		}
	default:
		return Result{}, fmt.Errorf("unsupported extraction method %q", cfg.ExtractionMethod)
	}

	if hasFeedback {
		log.Info().Str("file_id", file.ID).Int("fields", len(overrides)).Msg("applying feedback overrides")
		for key, value := range overrides {
			data[key] = value
		}
	}

	if obj, ok := response.(map[string]any); ok {
		if apiErr, ok := obj["error"]; ok {
			msg := errorMessage(apiErr)
			log.Error().Str("file_id", file.ID).Str("file", file.Name).Str("error", msg).Msg("extraction reported error")
			return Result{Success: false, Error: msg}, nil
		}
	}

	log.Info().Str("file_id", file.ID).Str("file", file.Name).Int("fields", len(data)).Msg("file processed")
	return Result{Success: true, Data: data}, nil
}

func (p *Processor) structuredTarget(ctx context.Context, documentType string, cfg extraction.Config) (extraction.StructuredTarget, error) {
	if !cfg.UseTemplate {
		return extraction.StructuredTarget{Fields: cfg.CustomFields}, nil
	}
	templateID := ""
	if documentType != "" && p.templates != nil {
		mapped, err := p.templates.TemplateFor(ctx, documentType)
		if err != nil {
			return extraction.StructuredTarget{}, fmt.Errorf("resolve template for %s: %w", documentType, err)
		}
		templateID = mapped
	}
	if templateID == "" {
		templateID = cfg.TemplateID
	}
	ref := extraction.ParseTemplateID(templateID)
	log.Debug().Str("template_id", templateID).Str("scope", ref.Scope).Str("template_key", ref.TemplateKey).Msg("using template")
	return extraction.StructuredTarget{Template: &ref}, nil
}

func freeformPrompt(documentType string, cfg extraction.Config) string {
	if documentType != "" {
		if prompt := cfg.DocumentTypePrompts[documentType]; prompt != "" {
			return prompt
		}
	}
	return cfg.FreeformPrompt
}

func (p *Processor) lookupDocumentType(ctx context.Context, fileID string) (string, error) {
	if p.docTypes == nil {
		return "", nil
	}
	return p.docTypes.DocumentType(ctx, fileID) //nolint:wrapcheck
}

func (p *Processor) lookupFeedback(ctx context.Context, fileID string, method extraction.Method) (map[string]any, bool, error) {
	if p.feedback == nil {
		return nil, false, nil
	}
	return p.feedback.Feedback(ctx, fileID, method) //nolint:wrapcheck
}

func copyFields(response any) map[string]any {
	data := map[string]any{}
	obj, ok := response.(map[string]any)
	if !ok {
		return data
	}
	for key, value := range obj {
		if _, skip := excludedResponseKeys[key]; skip {
			continue
		}
		data[key] = value
	}
	return data
}

func errorMessage(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprint(v)
}
