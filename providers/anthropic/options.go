package anthropic

// Option configures the Anthropic adapter.
type Option func(*Adapter)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(a *Adapter) {
		if key != "" {
			a.apiKey = key
		}
	}
}

// WithBaseURL sets the base URL.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithAPIVersion sets the anthropic-version header value.
func WithAPIVersion(version string) Option {
	return func(a *Adapter) {
		if version != "" {
			a.apiVersion = version
		}
	}
}

// WithModels sets the supported models.
func WithModels(models ...string) Option {
	return func(a *Adapter) {
		a.models = models
	}
}

// WithHeader adds a custom header.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.headers[key] = value
	}
}
