package workflow

import (
	"metaextract/internal/batch"
	"metaextract/internal/extraction"
	"metaextract/internal/store"
)

// RunSettings are the batch controls for one run. Zero values fall back to
// the manager defaults.
type RunSettings struct {
	BatchSize  int        `json:"batch_size"`
	MaxRetries *int       `json:"max_retries,omitempty"`
	RetryDelay int        `json:"retry_delay"`
	Mode       batch.Mode `json:"processing_mode"`
}

// Defaults are the batch controls used when a run does not set them. The
// zero value selects the built-in defaults; otherwise MaxRetries 0 is kept.
type Defaults struct {
	BatchSize  int
	MaxRetries int
	RetryDelay int
	Mode       batch.Mode
}

type Options struct {
	Store        store.KV
	Capabilities extraction.Capabilities
	Defaults     Defaults
	Metadata     extraction.Config
}

const (
	defaultBatchSize  = 5
	defaultMaxRetries = 3
	defaultRetryDelay = 2

	sessionKeySelection = "selected_files"
	sessionKeyMetadata  = "metadata_config"
	sessionKeyRunFiles  = "run_files"
	stateKeyCurrent     = "current"
)
