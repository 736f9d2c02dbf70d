// Package agentconfig injects managed provider credentials into agent runtime
// configuration and removes them again. Each agent framework family has its
// own configuration shape, implemented as a Strategy.
package agentconfig

import (
	"strings"
	"sync"

	"github.com/mohae/deepcopy"
)

// Field names of the key config blob stored on a managed key.
const (
	FieldDefaultModel = "default_model"
	FieldBaseURL      = "base_url"
	FieldAPI          = "api"
	FieldFrameworks   = "frameworks"
)

// Key is the view of a managed key the builder needs. Secret is plaintext.
type Key struct {
	Provider     string
	Secret       string
	DefaultModel string
	BaseURL      string
	API          string
	// Frameworks holds per-framework override blocks keyed by framework id.
	Frameworks map[string]map[string]any
}

// KeyFromConfig reads the builder inputs out of a managed key's config blob.
func KeyFromConfig(provider, secret string, cfg map[string]any) Key {
	key := Key{
		Provider:     provider,
		Secret:       secret,
		DefaultModel: stringField(cfg, FieldDefaultModel),
		BaseURL:      stringField(cfg, FieldBaseURL),
		API:          stringField(cfg, FieldAPI),
	}

	if frameworks, ok := cfg[FieldFrameworks].(map[string]any); ok {
		key.Frameworks = make(map[string]map[string]any, len(frameworks))
		for name, block := range frameworks {
			if m, ok := block.(map[string]any); ok {
				key.Frameworks[normalizeFramework(name)] = m
			}
		}
	}
	return key
}

// Strategy builds and strips the provider section of one configuration shape.
// Both operations are pure: existing is never modified.
type Strategy interface {
	Build(key Key, existing map[string]any) map[string]any
	Strip(provider string, existing map[string]any) map[string]any
}

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]Strategy{
		"openclaw": gatewayStrategy{},
	}
)

// Register installs the strategy used for a framework id. It is safe to call
// while other goroutines build configs.
func Register(framework string, s Strategy) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	strategies[normalizeFramework(framework)] = s
}

// For returns the strategy for framework, falling back to the flat shape.
func For(framework string) Strategy {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	if s, ok := strategies[normalizeFramework(framework)]; ok {
		return s
	}
	return flatStrategy{}
}

// Build returns existing with the key's provider configuration merged in for
// framework. The key's override block for that framework is applied last.
func Build(key Key, framework string, existing map[string]any) map[string]any {
	out := For(framework).Build(key, existing)
	for k, v := range key.Frameworks[normalizeFramework(framework)] {
		out[k] = deepcopy.Copy(v)
	}
	return out
}

// Strip returns existing without the fields Build would have added for provider.
func Strip(provider, framework string, existing map[string]any) map[string]any {
	return For(framework).Strip(provider, existing)
}

// StripAll strips the fields every known shape would have added for
// provider. It is used when the framework of a config is not recorded.
func StripAll(provider string, existing map[string]any) map[string]any {
	strategiesMu.RLock()
	registered := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		registered = append(registered, s)
	}
	strategiesMu.RUnlock()

	out := flatStrategy{}.Strip(provider, existing)
	for _, s := range registered {
		out = s.Strip(provider, out)
	}
	return out
}

func normalizeFramework(framework string) string {
	return strings.ToLower(strings.TrimSpace(framework))
}

func cloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, ok := deepcopy.Copy(m).(map[string]any)
	if !ok || out == nil {
		return map[string]any{}
	}
	return out
}

// child returns m[name] as a map, creating it when absent or not a map.
func child(m map[string]any, name string) map[string]any {
	if c, ok := m[name].(map[string]any); ok && c != nil {
		return c
	}
	c := map[string]any{}
	m[name] = c
	return c
}

// lookup returns m[name] as a map without creating it.
func lookup(m map[string]any, name string) (map[string]any, bool) {
	c, ok := m[name].(map[string]any)
	return c, ok && c != nil
}

// pruneEmpty deletes m[name] when it is an empty map.
func pruneEmpty(m map[string]any, name string) {
	if c, ok := lookup(m, name); ok && len(c) == 0 {
		delete(m, name)
	}
}

func stringField(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}
