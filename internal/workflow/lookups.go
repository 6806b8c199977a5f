package workflow

import (
	"context"
	"errors"

	"metaextract/internal/extraction"
	"metaextract/internal/store"
)

// FeedbackKey is the composite key of a feedback overlay entry.
func FeedbackKey(fileID string, method extraction.Method) string {
	return fileID + "_" + string(method)
}

// categorizationLookup resolves document types from categorization results.
type categorizationLookup struct {
	col store.Collection[string]
}

func (l categorizationLookup) DocumentType(ctx context.Context, fileID string) (string, error) {
	docType, err := l.col.Get(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return docType, err
}

type documentTypeTemplates struct {
	col store.Collection[string]
}

func (l documentTypeTemplates) TemplateFor(ctx context.Context, documentType string) (string, error) {
	templateID, err := l.col.Get(ctx, documentType)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return templateID, err
}

type feedbackLookup struct {
	col store.Collection[map[string]any]
}

func (l feedbackLookup) Feedback(ctx context.Context, fileID string, method extraction.Method) (map[string]any, bool, error) {
	fields, err := l.col.Get(ctx, FeedbackKey(fileID, method))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}
