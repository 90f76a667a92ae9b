package memory

import (
	"context"
	"fmt"

	"github.com/mnemo-oss/mnemo/internal/config"
	"github.com/mnemo-oss/mnemo/internal/message"
)

// Extractor extracts one memory type for a user from a conversation.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, userID string, msgs []message.Message) (int, error)
}

// Registry holds the extractors of every configured memory type, in
// configuration order. It is built once and shared by reference.
type Registry struct {
	order []Extractor
	byKey map[string]Extractor
}

// NewRegistry creates a registry from extractors. Names must be unique.
func NewRegistry(extractors ...Extractor) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Extractor, len(extractors))}
	for _, ex := range extractors {
		name := ex.Name()
		if _, exists := r.byKey[name]; exists {
			return nil, fmt.Errorf("duplicate memory type: %s", name)
		}
		r.byKey[name] = ex
		r.order = append(r.order, ex)
	}
	return r, nil
}

// BuildRegistry creates one extraction Manager per spec.
func BuildRegistry(specs []TypeSpec, opts ManagerOptions) (*Registry, error) {
	extractors := make([]Extractor, 0, len(specs))
	for _, spec := range specs {
		m, err := NewManager(spec, opts)
		if err != nil {
			return nil, err
		}
		extractors = append(extractors, m)
	}
	return NewRegistry(extractors...)
}

// SpecsFromConfig converts configured memory types.
func SpecsFromConfig(types []config.MemoryTypeConfig) []TypeSpec {
	specs := make([]TypeSpec, 0, len(types))
	for _, t := range types {
		specs = append(specs, TypeSpec{
			Name:         t.Name,
			Mode:         UpdateMode(t.UpdateMode),
			Instructions: t.Instructions,
		})
	}
	return specs
}

// Get returns the extractor for a memory type.
func (r *Registry) Get(name string) (Extractor, bool) {
	ex, ok := r.byKey[name]
	return ex, ok
}

// Extractors returns the extractors in configuration order.
func (r *Registry) Extractors() []Extractor {
	return append([]Extractor(nil), r.order...)
}

// Names returns the memory type names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, ex := range r.order {
		names[i] = ex.Name()
	}
	return names
}

func (r *Registry) Len() int {
	return len(r.order)
}
