package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// Default binding names used when the corresponding property is unset.
const (
	BindingBasicSimilar    = "basic_similar"
	BindingBasicExact      = "basic_exact"
	BindingBasicNameSearch = "basic_name_search"
)

// Registry maps binding names to components. Any value can be registered;
// the Matcher checks the capability when it resolves a binding.
type Registry struct {
	mu         sync.RWMutex
	components map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[string]interface{})}
}

func (r *Registry) Register(name string, component interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = component
}

func (r *Registry) Lookup(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// Names lists registered bindings in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for n := range r.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Properties is the read side of the runtime property store.
type Properties interface {
	GetOr(ctx context.Context, name, def string) (string, error)
}

// Matcher resolves the configured strategies on every call, so a property
// change takes effect on the next query.
type Matcher struct {
	registry *Registry
	props    Properties
}

func NewMatcher(registry *Registry, props Properties) *Matcher {
	return &Matcher{registry: registry, props: props}
}

func (m *Matcher) Fast(ctx context.Context) (Strategy, error) {
	return m.strategy(ctx, settings.KeyFastAlgorithm, BindingBasicSimilar)
}

func (m *Matcher) Precise(ctx context.Context) (Strategy, error) {
	return m.strategy(ctx, settings.KeyPreciseAlgorithm, BindingBasicExact)
}

func (m *Matcher) Names(ctx context.Context) (NameSearch, error) {
	c, name, err := m.lookup(ctx, settings.KeyNameSearch, BindingBasicNameSearch)
	if err != nil {
		return nil, err
	}
	ns, ok := c.(NameSearch)
	if !ok {
		return nil, apperr.Configurationf("matching.resolve",
			"binding %q (%s) is a %T, not a name search", name, settings.KeyNameSearch, c)
	}
	return ns, nil
}

func (m *Matcher) strategy(ctx context.Context, key, def string) (Strategy, error) {
	c, name, err := m.lookup(ctx, key, def)
	if err != nil {
		return nil, err
	}
	s, ok := c.(Strategy)
	if !ok {
		return nil, apperr.Configurationf("matching.resolve",
			"binding %q (%s) is a %T, not a similarity strategy", name, key, c)
	}
	return s, nil
}

func (m *Matcher) lookup(ctx context.Context, key, def string) (interface{}, string, error) {
	name, err := m.props.GetOr(ctx, key, def)
	if err != nil {
		return nil, "", apperr.New(apperr.KindConfiguration, "matching.resolve", "read "+key, err)
	}
	name = strings.TrimSpace(name)
	c, ok := m.registry.Lookup(name)
	if !ok || c == nil {
		return nil, name, apperr.Configurationf("matching.resolve",
			"no component bound to %q (%s); registered: %s", name, key, strings.Join(m.registry.Names(), ", "))
	}
	return c, name, nil
}

// FindSimilarGivenNames delegates to the configured name search.
func (m *Matcher) FindSimilarGivenNames(ctx context.Context, phrase string) ([]string, error) {
	ns, err := m.Names(ctx)
	if err != nil {
		return nil, err
	}
	names, err := ns.FindSimilarGivenNames(ctx, phrase)
	if err != nil {
		return nil, fmt.Errorf("given name search: %w", err)
	}
	return names, nil
}

// FindSimilarFamilyNames delegates to the configured name search.
func (m *Matcher) FindSimilarFamilyNames(ctx context.Context, phrase string) ([]string, error) {
	ns, err := m.Names(ctx)
	if err != nil {
		return nil, err
	}
	names, err := ns.FindSimilarFamilyNames(ctx, phrase)
	if err != nil {
		return nil, fmt.Errorf("family name search: %w", err)
	}
	return names, nil
}
