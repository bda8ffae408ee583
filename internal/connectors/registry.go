package connectors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

// ErrProviderExists is returned when a connector type is registered twice.
var ErrProviderExists = errors.New("connector registry: provider already registered")

// Factory builds a connector from configuration.
type Factory func(cfg ProviderConfig, opts ...Option) (Connector, error)

// Descriptor describes a connector implementation the registry can build.
type Descriptor struct {
	Type        string  `json:"type"`
	DisplayName string  `json:"display_name"`
	AuthType    string  `json:"auth_type"`
	Factory     Factory `json:"-"`
}

// Registry maintains the catalogue of connector implementations.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// NewDefaultRegistry registers the built-in providers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, desc := range []Descriptor{
		{Type: "nsdc", DisplayName: "NSDC (National Skill Development Corporation)", AuthType: AuthTypeJWT, Factory: NewNSDCConnector},
		{Type: "udemy", DisplayName: "Udemy", AuthType: AuthTypeOAuth2, Factory: NewUdemyConnector},
		{Type: "jaimin", DisplayName: "Jaimin Pvt Ltd", AuthType: AuthTypeAPIKey, Factory: NewJaiminConnector},
		{Type: "sih", DisplayName: "SIH (Smart India Hackathon)", AuthType: AuthTypeAPIKey, Factory: NewSIHConnector},
	} {
		// Built-in types are distinct.
		_ = r.Register(desc)
	}
	return r
}

// Register adds a descriptor, enforcing uniqueness by type.
func (r *Registry) Register(desc Descriptor) error {
	desc.Type = strings.ToLower(strings.TrimSpace(desc.Type))
	desc.DisplayName = strings.TrimSpace(desc.DisplayName)
	if desc.Type == "" {
		return errors.New("connector registry: type is required")
	}
	if desc.Factory == nil {
		return fmt.Errorf("connector registry: factory is required for %s", desc.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[desc.Type]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, desc.Type)
	}
	r.descriptors[desc.Type] = desc
	return nil
}

// Descriptors lists registered connectors ordered by type.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]Descriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		items = append(items, desc)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type < items[j].Type })
	return items
}

// Lookup returns the descriptor for a connector type.
func (r *Registry) Lookup(kind string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[strings.ToLower(strings.TrimSpace(kind))]
	return desc, ok
}

// Build instantiates the connector for cfg.
func (r *Registry) Build(cfg ProviderConfig, opts ...Option) (Connector, error) {
	kind := cfg.ConnectorType()
	desc, ok := r.Lookup(kind)
	if !ok {
		return nil, apperrors.ErrNotFound.Newf("unknown provider type %q", kind)
	}
	if strings.TrimSpace(cfg.AuthType) == "" {
		cfg.AuthType = desc.AuthType
	}
	return desc.Factory(cfg, opts...)
}
