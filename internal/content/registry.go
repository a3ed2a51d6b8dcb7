package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownType is returned when no variant is registered for a tag.
	ErrUnknownType = errors.New("unknown content type")
	// ErrDecodingFailed is returned when a payload does not decode into
	// its registered variant.
	ErrDecodingFailed = errors.New("content decoding failed")
	// ErrEncodingFailed is returned when a variant fails to encode.
	ErrEncodingFailed = errors.New("content encoding failed")
)

// Factory produces a zero value of a content variant for decoding into.
type Factory func() Content

// Registry maps wire type tags to content variants. It is an explicit
// instance constructed at startup and passed by reference into every
// decoder path; there is no process-wide registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Type]Factory)}
}

// NewDefaultRegistry creates a registry with every built-in content kind
// registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeText, func() Content { return &Text{} })
	r.Register(TypeImage, func() Content { return &Image{} })
	r.Register(TypeVideo, func() Content { return &Video{} })
	r.Register(TypeVoice, func() Content { return &Voice{} })
	r.Register(TypeContact, func() Content { return &Contact{} })
	r.Register(TypeLocation, func() Content { return &Location{} })
	r.Register(TypeDocument, func() Content { return &Document{} })
	return r
}

// Register adds a variant factory for a tag, replacing any previous one.
func (r *Registry) Register(t Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Known reports whether a variant is registered for the tag.
func (r *Registry) Known(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[t]
	return ok
}

// Decode produces the content variant for a tag from its JSON payload.
// Returns ErrUnknownType when no variant is registered so callers can
// demote the record to an update instead of failing the whole decode.
func (r *Registry) Decode(t Type, raw json.RawMessage) (Content, error) {
	r.mu.RLock()
	factory, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	c := factory()
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrDecodingFailed, t, err)
	}
	return c, nil
}

// Encode serializes a content variant to its JSON payload.
func (r *Registry) Encode(c Content) (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrEncodingFailed, c.ContentType(), err)
	}
	return raw, nil
}
