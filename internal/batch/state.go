package batch

import (
	"fmt"
	"time"

	"metaextract/internal/extraction"
)

type Mode string

const (
	ModeSequential Mode = "Sequential"
	ModeParallel   Mode = "Parallel"
)

// Valid reports whether m is a known processing mode.
func (m Mode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

// State is the processing-state record of one run. Values returned to
// callers are always deep copies.
type State struct {
	RunID            string                    `json:"run_id"`
	IsProcessing     bool                      `json:"is_processing"`
	Cancelled        bool                      `json:"cancelled"`
	ProcessedFiles   int                       `json:"processed_files"`
	TotalFiles       int                       `json:"total_files"`
	CurrentFileIndex int                       `json:"current_file_index"`
	CurrentFile      string                    `json:"current_file"`
	Results          map[string]map[string]any `json:"results"`
	Errors           map[string]string         `json:"errors"`
	Retries          map[string]int            `json:"retries"`
	MaxRetries       int                       `json:"max_retries"`
	RetryDelay       int                       `json:"retry_delay"`
	ProcessingMode   Mode                      `json:"processing_mode"`
	StartedAt        time.Time                 `json:"started_at"`
	FinishedAt       *time.Time                `json:"finished_at,omitempty"`
}

// Progress returns the completed fraction in [0,1].
func (s State) Progress() float64 {
	if s.TotalFiles <= 0 {
		return 0
	}
	return float64(s.ProcessedFiles) / float64(s.TotalFiles)
}

// StatusText renders the one-line progress message.
func (s State) StatusText() string {
	if s.CurrentFile != "" {
		return fmt.Sprintf("Processing %s... (%d/%d)", s.CurrentFile, s.ProcessedFiles, s.TotalFiles)
	}
	return fmt.Sprintf("Processed %d/%d files", s.ProcessedFiles, s.TotalFiles)
}

func (s State) clone() State {
	out := s
	out.Results = make(map[string]map[string]any, len(s.Results))
	for id, data := range s.Results {
		fields := make(map[string]any, len(data))
		for k, v := range data {
			fields[k] = v
		}
		out.Results[id] = fields
	}
	out.Errors = make(map[string]string, len(s.Errors))
	for id, msg := range s.Errors {
		out.Errors[id] = msg
	}
	out.Retries = make(map[string]int, len(s.Retries))
	for id, n := range s.Retries {
		out.Retries[id] = n
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

// FailedFile is one entry of a run summary.
type FailedFile struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

// Summary is the end-of-run report shown to the user.
type Summary struct {
	Succeeded int          `json:"succeeded"`
	Failed    []FailedFile `json:"failed"`
	Complete  bool         `json:"complete"`
	Message   string       `json:"message"`
}

// Summarize builds a summary of s, resolving file names from files in input
// order.
func Summarize(s State, files []extraction.FileRef) Summary {
	sum := Summary{
		Succeeded: len(s.Results),
		Failed:    make([]FailedFile, 0, len(s.Errors)),
		Complete:  len(s.Errors) == 0,
	}
	seen := make(map[string]struct{}, len(s.Errors))
	for _, f := range files {
		if msg, ok := s.Errors[f.ID]; ok {
			sum.Failed = append(sum.Failed, FailedFile{FileID: f.ID, Name: f.Name, Error: msg})
			seen[f.ID] = struct{}{}
		}
	}
	for id, msg := range s.Errors {
		if _, ok := seen[id]; !ok {
			sum.Failed = append(sum.Failed, FailedFile{FileID: id, Error: msg})
		}
	}
	if sum.Complete {
		sum.Message = fmt.Sprintf("Processing complete! Successfully processed %d files.", sum.Succeeded)
	} else {
		sum.Message = fmt.Sprintf("Processing complete! Successfully processed %d files with %d errors.", sum.Succeeded, len(s.Errors))
	}
	return sum
}
