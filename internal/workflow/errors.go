package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNoFiles           = errors.New("no files selected")
	ErrIncompleteConfig  = errors.New("metadata configuration is incomplete")
	ErrAlreadyProcessing = errors.New("processing already in progress")
	ErrNotProcessing     = errors.New("no processing in progress")
	ErrNoRun             = errors.New("no run has been started")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrEmptyTemplateName = errors.New("template name is required")
	ErrResultNotFound    = errors.New("result not found")
	ErrInvalidSettings   = errors.New("invalid run settings")
	ErrInvalidSelection  = errors.New("invalid selection")
)

func NewErrInvalidSelection(reason string) error { return fmt.Errorf("%w: %s", ErrInvalidSelection, reason) }
