// Package normalize flattens the heterogeneous response shapes returned by
// the extraction API into a single field->value mapping.
package normalize

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Shape identifies which part of a response carried the structured data.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeTemplateAnswer
	ShapeAnswerString
	ShapeFlatFields
	ShapeNestedAnswer
	ShapeItemsAnswer
)

func (s Shape) String() string {
	switch s {
	case ShapeTemplateAnswer:
		return "template_answer"
	case ShapeAnswerString:
		return "answer_string"
	case ShapeFlatFields:
		return "flat_fields"
	case ShapeNestedAnswer:
		return "nested_answer"
	case ShapeItemsAnswer:
		return "items_answer"
	default:
		return "empty"
	}
}

// envelopeKeys are protocol keys that never count as extracted fields.
var envelopeKeys = map[string]struct{}{
	"error":           {},
	"items":           {},
	"response":        {},
	"item_collection": {},
	"entries":         {},
	"type":            {},
	"id":              {},
	"sequence_id":     {},
}

// Normalize returns the flat field mapping found in response, or an empty
// (non-nil) mapping when nothing structured could be located.
func Normalize(response any) map[string]any {
	_, fields := Classify(response)
	return fields
}

// Classify reports the shape of response together with the fields it
// resolved to. The first matching shape wins, in the order the Shape
// constants are declared (after ShapeEmpty).
func Classify(response any) (Shape, map[string]any) {
	obj, ok := response.(map[string]any)
	if !ok {
		return ShapeEmpty, map[string]any{}
	}

	switch answer := obj["answer"].(type) {
	case map[string]any:
		return ShapeTemplateAnswer, answer
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(answer), &decoded); err != nil {
			log.Warn().Err(err).Str("answer", truncate(answer, 120)).Msg("could not parse answer field as json")
		} else if m, ok := decoded.(map[string]any); ok {
			return ShapeAnswerString, m
		}
	}

	flat := make(map[string]any, len(obj))
	for key, value := range obj {
		if _, skip := envelopeKeys[key]; skip {
			continue
		}
		flat[key] = value
	}
	if len(flat) > 0 {
		return ShapeFlatFields, flat
	}

	if nested, ok := obj["response"].(map[string]any); ok {
		if answer, ok := nested["answer"].(map[string]any); ok {
			return ShapeNestedAnswer, answer
		}
	}

	if items, ok := obj["items"].([]any); ok && len(items) > 0 {
		if first, ok := items[0].(map[string]any); ok {
			if answer, ok := first["answer"].(map[string]any); ok {
				return ShapeItemsAnswer, answer
			}
		}
	}

	return ShapeEmpty, map[string]any{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
