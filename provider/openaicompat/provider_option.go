package openaicompat

import "net/http"

// ProviderOption configures a Provider at construction time.
type ProviderOption func(*Provider)

// WithName overrides the name reported by Name. The wire protocol is the
// same for every OpenAI-compatible vendor, so resolve labels each provider
// it builds (groq, deepseek, ollama, ...) and logs and error messages stay
// attributable to the actual backend.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithClient replaces the default http.Client, for callers that need their
// own transport, proxy, or TLS configuration.
func WithClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions fixes request-level knobs (temperature, top_p, max_tokens)
// for every chat this provider sends. Sampling settings come from
// configuration, not from individual turns, so they live on the provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}
