package agentconfig

const (
	FieldModelProvider = "modelProvider"
	FieldAPIKey        = "apiKey"
)

// flatStrategy writes a top-level modelProvider block and apiKey.
type flatStrategy struct{}

func (flatStrategy) Build(key Key, existing map[string]any) map[string]any {
	out := cloneConfig(existing)

	provider := map[string]any{"provider": key.Provider}
	if key.DefaultModel != "" {
		provider["model"] = key.DefaultModel
	}
	if key.BaseURL != "" {
		provider["baseUrl"] = key.BaseURL
	}
	if key.API != "" {
		provider["api"] = key.API
	}

	out[FieldModelProvider] = provider
	out[FieldAPIKey] = key.Secret
	return out
}

func (flatStrategy) Strip(_ string, existing map[string]any) map[string]any {
	out := cloneConfig(existing)
	delete(out, FieldModelProvider)
	delete(out, FieldAPIKey)
	return out
}
