package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/envoyai/agentcore/internal/config"
)

// Build instantiates the provider declared by spec.
func Build(ctx context.Context, spec config.ProviderSpec, apiKey, ollamaURL string) (Provider, error) {
	switch spec.Kind {
	case config.KindOpenAI:
		return NewOpenAI(spec.Name, apiKey, spec.BaseURL), nil
	case config.KindOllama:
		base := spec.BaseURL
		if base == "" {
			base = ollamaURL
		}
		return NewOllama(spec.Name, base), nil
	case config.KindGoogle:
		return NewGemini(ctx, spec.Name, apiKey, spec.BaseURL)
	case config.KindRules:
		return NewRules(spec.Name), nil
	}
	return nil, fmt.Errorf("provider %q: unknown kind %q", spec.Name, spec.Kind)
}

// BuildRegistry builds every declared provider. Providers whose credential
// has no key are left out with a warning; bindings naming them then fail
// over to the next target at dispatch time.
func BuildRegistry(ctx context.Context, agents config.Agents, keys config.ProvidersConfig, ollamaURL string) (*Registry, error) {
	var ps []Provider
	for _, spec := range agents.Providers() {
		key := keys.Key(spec.Credential)
		if spec.Credential != "" && key == "" {
			slog.Warn("provider disabled: no API key", "provider", spec.Name, "credential", spec.Credential)
			continue
		}
		p, err := Build(ctx, spec, key, ollamaURL)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return NewRegistry(ps...), nil
}
