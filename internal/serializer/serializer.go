// Package serializer converts between task-message payloads and typed
// arguments/results. The registered-type fast path is a pre-compiled JSON
// table keyed by type identity, matching the encoding the rest of this
// codebase already uses on the wire; unregistered types fall back to a
// general reflective encoder.
package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// ContentTypeJSON is the default, registered-type content type.
const ContentTypeJSON = "application/json"

// ContentTypeGob is the general reflective fallback content type, which
// Registry.For returns for a content type with no registered Serializer.
const ContentTypeGob = "application/x-gob"

// Serializer converts Go values to and from content-typed bytes.
type Serializer interface {
	ContentType() string
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, out any) error
}

// JSON is the registered-type fast path. It rides stdlib encoding/json
// with struct tags already set on the core wire types, using the static
// Go type passed in as the type identity.
type JSON struct{}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Deserialize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

// Gob is the general reflective fallback encoder for content types with no
// registered Serializer. No third-party reflective codec in the retrieved
// example corpus covers this without generated code (protobuf requires a
// codegen step this exercise doesn't prescribe), so this rides stdlib
// encoding/gob — see DESIGN.md.
type Gob struct{}

func (Gob) ContentType() string { return ContentTypeGob }

func (Gob) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("serializer: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gob) Deserialize(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("serializer: gob decode: %w", err)
	}
	return nil
}

// Registry dispatches to a Serializer by content type, falling back to Gob
// for any content type it has not seen registered. SerializeValue instead
// falls back to JSON for a Go type not pinned with RegisterType.
type Registry struct {
	mu      sync.RWMutex
	byType  map[string]Serializer
	byValue map[reflect.Type]Serializer
	fallback Serializer
}

// NewRegistry returns a Registry with JSON pre-registered as the default
// content type and Gob as the reflective fallback.
func NewRegistry() *Registry {
	r := &Registry{
		byType:   make(map[string]Serializer),
		byValue:  make(map[reflect.Type]Serializer),
		fallback: Gob{},
	}
	r.Register(JSON{})
	return r
}

// Register adds a Serializer keyed by its content type.
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[s.ContentType()] = s
}

// RegisterType pins a concrete Go type to a content type, so Serialize can
// pick the right codec without the caller naming it explicitly.
func (r *Registry) RegisterType(v any, contentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byType[contentType]; ok {
		r.byValue[reflect.TypeOf(v)] = s
	}
}

// For returns the Serializer registered for contentType, or the reflective
// fallback if none matches.
func (r *Registry) For(contentType string) Serializer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byType[contentType]; ok {
		return s
	}
	return r.fallback
}

// SerializeValue picks a Serializer for v's concrete type (falling back to
// JSON for anything not explicitly pinned) and returns its bytes alongside
// the content type used, so callers can stamp it onto the wire record.
func (r *Registry) SerializeValue(v any) ([]byte, string, error) {
	r.mu.RLock()
	s, ok := r.byValue[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if !ok {
		s = r.byType[ContentTypeJSON]
	}
	data, err := s.Serialize(v)
	return data, s.ContentType(), err
}
