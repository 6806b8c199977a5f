package extraction

import "strings"

type Method string

const (
	MethodStructured Method = "structured"
	MethodFreeform   Method = "freeform"
)

// FileRef identifies a remote file selected for processing.
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Field describes one custom metadata field for structured extraction.
type Field struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
	Type        string `json:"type,omitempty" yaml:"type"`
}

// Label returns the display name, falling back to the field name.
func (f Field) Label() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.Name
}

// Config is the extraction configuration for a run. It is read-only while
// files are being processed.
type Config struct {
	ExtractionMethod    Method            `json:"extraction_method" yaml:"extraction_method"`
	UseTemplate         bool              `json:"use_template" yaml:"use_template"`
	TemplateID          string            `json:"template_id" yaml:"template_id"`
	CustomFields        []Field           `json:"custom_fields" yaml:"custom_fields"`
	FreeformPrompt      string            `json:"freeform_prompt" yaml:"freeform_prompt"`
	DocumentTypePrompts map[string]string `json:"document_type_prompts,omitempty" yaml:"document_type_prompts"`
	AIModel             string            `json:"ai_model" yaml:"ai_model"`
	BatchSize           int               `json:"batch_size" yaml:"batch_size"`
}

// Complete reports whether the configuration has enough information to start
// a run: structured extraction needs a template or at least one custom field.
func (c Config) Complete() bool {
	if c.ExtractionMethod != MethodStructured && c.ExtractionMethod != MethodFreeform {
		return false
	}
	if c.ExtractionMethod == MethodStructured && !c.UseTemplate && len(c.CustomFields) == 0 {
		return false
	}
	return true
}

// Clone returns a deep copy so saved templates never alias the live config.
func (c Config) Clone() Config {
	out := c
	if c.CustomFields != nil {
		out.CustomFields = append([]Field(nil), c.CustomFields...)
	}
	if c.DocumentTypePrompts != nil {
		out.DocumentTypePrompts = make(map[string]string, len(c.DocumentTypePrompts))
		for k, v := range c.DocumentTypePrompts {
			out.DocumentTypePrompts[k] = v
		}
	}
	return out
}

const metadataTemplateType = "metadata_template"

// TemplateRef is the decomposed template descriptor sent to the API.
type TemplateRef struct {
	TemplateKey string `json:"template_key"`
	Type        string `json:"type"`
	Scope       string `json:"scope"`
}

// ParseTemplateID decomposes an id of the form scope_enterpriseId[_templateKey].
// With fewer than three parts the whole id is used as the template key; a
// missing enterprise id leaves the scope as "<scope>_".
func ParseTemplateID(templateID string) TemplateRef {
	parts := strings.Split(templateID, "_")
	enterpriseID := ""
	if len(parts) > 1 {
		enterpriseID = parts[1]
	}
	scope := parts[0] + "_" + enterpriseID
	key := templateID
	if len(parts) > 2 {
		key = parts[len(parts)-1]
	}
	return TemplateRef{TemplateKey: key, Type: metadataTemplateType, Scope: scope}
}

// StructuredTarget selects what drives a structured extraction: a template
// or an explicit field list. Exactly one of the two is set.
type StructuredTarget struct {
	Template *TemplateRef
	Fields   []Field
}
