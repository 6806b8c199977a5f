package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout    = 60 * time.Second
	maxErrorBodyBytes = 512
)

var (
	ErrNoBaseURL = errors.New("extraction base url not configured")
	ErrNoToken   = errors.New("extraction api token not configured")
)

// ClientOptions configures the HTTP extraction client.
type ClientOptions struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls an AI extraction API exposing /ai/extract_structured and
// /ai/extract.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient validates opts and returns a ready client.
func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrNoToken
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, token: opts.Token, http: httpClient}, nil
}

type itemRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type agentModel struct {
	Model string `json:"model"`
}

type aiAgent struct {
	Type      string     `json:"type"`
	BasicText agentModel `json:"basic_text"`
	LongText  agentModel `json:"long_text"`
}

type structuredField struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName,omitempty"`
	Type        string `json:"type,omitempty"`
}

type structuredRequest struct {
	Items            []itemRef         `json:"items"`
	MetadataTemplate *TemplateRef      `json:"metadata_template,omitempty"`
	Fields           []structuredField `json:"fields,omitempty"`
	AIAgent          *aiAgent          `json:"ai_agent,omitempty"`
}

type freeformRequest struct {
	Prompt  string    `json:"prompt"`
	Items   []itemRef `json:"items"`
	AIAgent *aiAgent  `json:"ai_agent,omitempty"`
}

func agentFor(agentType, model string) *aiAgent {
	if model == "" {
		return nil
	}
	return &aiAgent{Type: agentType, BasicText: agentModel{Model: model}, LongText: agentModel{Model: model}}
}

// ExtractStructured runs template- or field-driven extraction for one file.
func (c *Client) ExtractStructured(ctx context.Context, fileID string, target StructuredTarget, model string) (any, error) {
	body := structuredRequest{
		Items:            []itemRef{{ID: fileID, Type: "file"}},
		MetadataTemplate: target.Template,
		AIAgent:          agentFor("ai_agent_extract_structured", model),
	}
	if target.Template == nil {
		body.Fields = make([]structuredField, 0, len(target.Fields))
		for _, f := range target.Fields {
			body.Fields = append(body.Fields, structuredField{Key: f.Name, DisplayName: f.Label(), Type: f.Type})
		}
	}
	return c.post(ctx, "/ai/extract_structured", fileID, body)
}

// ExtractFreeform runs prompt-driven extraction for one file.
func (c *Client) ExtractFreeform(ctx context.Context, fileID, prompt, model string) (any, error) {
	body := freeformRequest{
		Prompt:  prompt,
		Items:   []itemRef{{ID: fileID, Type: "file"}},
		AIAgent: agentFor("ai_agent_extract", model),
	}
	return c.post(ctx, "/ai/extract", fileID, body)
}

// post sends body and decodes the reply. Non-2xx replies are turned into an
// {"error": ...} response rather than a Go error.
func (c *Client) post(ctx context.Context, path, fileID string, body any) (any, error) {
	reqID := uuid.NewString()
	start := time.Now()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Str("req_id", reqID).Str("file_id", fileID).Str("path", path).Err(err).Msg("extraction request failed")
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	log.Debug().
		Str("req_id", reqID).
		Str("file_id", fileID).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Dur("latency", time.Since(start)).
		Msg("extraction response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return map[string]any{"error": apiErrorMessage(resp.StatusCode, raw)}, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

// apiErrorMessage prefers the API's own message field over the raw body.
func apiErrorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		if body.Code != "" {
			return fmt.Sprintf("http %d: %s (%s)", status, body.Message, body.Code)
		}
		return fmt.Sprintf("http %d: %s", status, body.Message)
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > maxErrorBodyBytes {
		text = text[:maxErrorBodyBytes]
	}
	if text == "" {
		return fmt.Sprintf("http %d", status)
	}
	return fmt.Sprintf("http %d: %s", status, text)
}
