// Package extraction defines the extraction configuration model and the
// capability set used to call the AI extraction service.
package extraction

import (
	"context"

	"github.com/rs/zerolog/log"
)

// UnavailableMessage is reported for every file when no extraction backend
// could be configured.
const UnavailableMessage = "Extraction function not available"

// Capabilities exposes the two extraction operations. A response is the
// decoded JSON body; API-level failures are reported as a mapping with an
// "error" key, while a non-nil error means the call itself faulted.
type Capabilities interface {
	ExtractStructured(ctx context.Context, fileID string, target StructuredTarget, model string) (any, error)
	ExtractFreeform(ctx context.Context, fileID, prompt, model string) (any, error)
}

type unavailable struct{}

// Unavailable returns capabilities whose operations always report
// UnavailableMessage without faulting.
func Unavailable() Capabilities { //nolint:ireturn
	return unavailable{}
}

func (unavailable) ExtractStructured(context.Context, string, StructuredTarget, string) (any, error) {
	return map[string]any{"error": UnavailableMessage}, nil
}

func (unavailable) ExtractFreeform(context.Context, string, string, string) (any, error) {
	return map[string]any{"error": UnavailableMessage}, nil
}

// NewProvider builds the HTTP-backed capabilities. When the client cannot be
// constructed the failure is logged and the Unavailable stub is returned.
func NewProvider(opts ClientOptions) Capabilities { //nolint:ireturn
	client, err := NewClient(opts)
	if err != nil {
		log.Error().Err(err).Msg("extraction backend unavailable, falling back to stub")
		return Unavailable()
	}
	return client
}
