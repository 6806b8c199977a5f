// Package store provides the key-value persistence used for templates,
// feedback, extraction results and processing state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Namespaces used by the application.
const (
	NamespaceTemplates             = "templates"
	NamespaceFeedback              = "feedback"
	NamespaceResults               = "results"
	NamespaceState                 = "processing_state"
	NamespaceCategorization        = "categorization"
	NamespaceDocumentTypeTemplates = "document_type_templates"
	NamespaceSession               = "session"
)

// KV abstracts a namespaced byte store. The default implementation is
// file-based; redis and sqlite backends are also available.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) (map[string][]byte, error)
	Clear(ctx context.Context, namespace string) error
	Close() error
}

// Collection is a typed JSON view over one namespace of a KV.
type Collection[T any] struct {
	kv        KV
	namespace string
}

func NewCollection[T any](kv KV, namespace string) Collection[T] {
	return Collection[T]{kv: kv, namespace: namespace}
}

// Get returns ErrNotFound when key is absent.
func (c Collection[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	raw, err := c.kv.Get(ctx, c.namespace, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", c.namespace, key, err)
	}
	return v, nil
}

func (c Collection[T]) Put(ctx context.Context, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.namespace, key, err)
	}
	return c.kv.Put(ctx, c.namespace, key, raw)
}

func (c Collection[T]) Delete(ctx context.Context, key string) error {
	return c.kv.Delete(ctx, c.namespace, key)
}

// All decodes every entry of the namespace.
func (c Collection[T]) All(ctx context.Context) (map[string]T, error) {
	raw, err := c.kv.List(ctx, c.namespace)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for key, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c.namespace, key, err)
		}
		out[key] = v
	}
	return out, nil
}

// ReplaceAll clears the namespace and writes entries.
func (c Collection[T]) ReplaceAll(ctx context.Context, entries map[string]T) error {
	if err := c.kv.Clear(ctx, c.namespace); err != nil {
		return err
	}
	for key, v := range entries {
		if err := c.Put(ctx, key, v); err != nil {
			return err
		}
	}
	return nil
}

func (c Collection[T]) Clear(ctx context.Context) error {
	return c.kv.Clear(ctx, c.namespace)
}
