package agentconfig

import "strings"

// gatewayStrategy writes the nested shape used by gateway-style frameworks:
//
//	auth.profiles["<provider>:managed"]
//	models.providers["<provider>"]
//	agents.defaults.model.primary = "<provider>/<model>"
type gatewayStrategy struct{}

func managedProfileID(provider string) string {
	return provider + ":managed"
}

func (gatewayStrategy) Build(key Key, existing map[string]any) map[string]any {
	out := cloneConfig(existing)

	profiles := child(child(out, "auth"), "profiles")
	profiles[managedProfileID(key.Provider)] = map[string]any{
		"provider": key.Provider,
		"mode":     "api_key",
	}

	entry := map[string]any{"apiKey": key.Secret}
	if key.BaseURL != "" {
		entry["baseUrl"] = key.BaseURL
	}
	if key.API != "" {
		entry["api"] = key.API
	}
	if key.DefaultModel != "" {
		entry["models"] = []any{
			map[string]any{"id": key.DefaultModel, "name": key.DefaultModel},
		}
	}
	child(child(out, "models"), "providers")[key.Provider] = entry

	if key.DefaultModel != "" {
		model := child(child(child(out, "agents"), "defaults"), "model")
		model["primary"] = key.Provider + "/" + key.DefaultModel
	}
	return out
}

func (gatewayStrategy) Strip(provider string, existing map[string]any) map[string]any {
	out := cloneConfig(existing)

	if auth, ok := lookup(out, "auth"); ok {
		if profiles, ok := lookup(auth, "profiles"); ok {
			if _, found := profiles[managedProfileID(provider)]; found {
				delete(profiles, managedProfileID(provider))
				pruneEmpty(auth, "profiles")
				pruneEmpty(out, "auth")
			}
		}
	}

	if models, ok := lookup(out, "models"); ok {
		if providers, ok := lookup(models, "providers"); ok {
			if _, found := providers[provider]; found {
				delete(providers, provider)
				pruneEmpty(models, "providers")
				pruneEmpty(out, "models")
			}
		}
	}

	if agents, ok := lookup(out, "agents"); ok {
		if defaults, ok := lookup(agents, "defaults"); ok {
			if model, ok := lookup(defaults, "model"); ok {
				if primary, _ := model["primary"].(string); strings.HasPrefix(primary, provider+"/") {
					delete(model, "primary")
					pruneEmpty(defaults, "model")
					pruneEmpty(agents, "defaults")
					pruneEmpty(out, "agents")
				}
			}
		}
	}
	return out
}
