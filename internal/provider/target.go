package provider

import (
	"fmt"
	"strings"

	"github.com/nugget/playertxt/internal/config"
)

// Default endpoints and models per backend.
const (
	DefaultGeminiEndpoint     = "https://generativelanguage.googleapis.com/v1beta"
	DefaultOpenRouterEndpoint = "https://openrouter.ai/api/v1"
	DefaultOllamaEndpoint     = "http://ollama:11434"

	DefaultGeminiModel     = "gemini-1.5-pro"
	DefaultOpenRouterModel = "openrouter/auto"
	DefaultOllamaModel     = "llama3"

	// GeminiEmbeddingModel is the only model used for embeddings.
	GeminiEmbeddingModel = "embedding-001"
)

// DefaultEndpoint returns the endpoint used when a target names none.
func DefaultEndpoint(k Kind) string {
	switch k {
	case KindGemini:
		return DefaultGeminiEndpoint
	case KindOpenRouter:
		return DefaultOpenRouterEndpoint
	case KindOllama:
		return DefaultOllamaEndpoint
	}
	return ""
}

// DefaultModel returns the model used when a target names none.
func DefaultModel(k Kind) string {
	switch k {
	case KindGemini:
		return DefaultGeminiModel
	case KindOpenRouter:
		return DefaultOpenRouterModel
	case KindOllama:
		return DefaultOllamaModel
	}
	return ""
}

// Target is the backend serving one role.
type Target struct {
	Kind       Kind   `json:"provider"`
	Credential string `json:"-"`
	Endpoint   string `json:"url"`
	Model      string `json:"model"`
}

// check reports why t cannot be called, if it cannot.
func (t Target) check() error {
	if t.Kind.NeedsCredential() && t.Credential == "" {
		return fmt.Errorf("%s: %w", t.Kind, ErrUnroutable)
	}
	return nil
}

// endpoint returns t.Endpoint without a trailing slash, or the default.
func (t Target) endpoint() string {
	if t.Endpoint == "" {
		return DefaultEndpoint(t.Kind)
	}
	return strings.TrimRight(t.Endpoint, "/")
}

// Targets maps each role to its target. It is always replaced as a
// whole.
type Targets struct {
	Workhorse Target `json:"workhorse"`
	Director  Target `json:"director"`
}

// For returns the target serving role.
func (t Targets) For(role Role) (Target, bool) {
	switch role {
	case RoleWorkhorse:
		return t.Workhorse, true
	case RoleDirector:
		return t.Director, true
	}
	return Target{}, false
}

// TargetsFromConfig resolves role targets from configuration. A role
// without its own key falls back to the shared key for its backend. An
// ollama role without its own URL falls back to the shared ollama URL.
// Remaining blanks take the per-backend defaults.
func TargetsFromConfig(p config.ProvidersConfig) Targets {
	return Targets{
		Workhorse: resolve(p.Workhorse, KindOllama, p),
		Director:  resolve(p.Director, KindGemini, p),
	}
}

func resolve(rc config.RoleConfig, fallback Kind, p config.ProvidersConfig) Target {
	kind := Kind(strings.ToLower(strings.TrimSpace(rc.Provider)))
	if kind == "" {
		kind = fallback
	}

	t := Target{Kind: kind, Credential: rc.Key, Endpoint: rc.URL, Model: rc.Model}

	if t.Credential == "" {
		switch kind {
		case KindGemini:
			t.Credential = p.GeminiAPIKey
		case KindOpenRouter:
			t.Credential = p.OpenRouterAPIKey
		}
	}
	if t.Endpoint == "" && kind == KindOllama {
		t.Endpoint = p.OllamaURL
	}
	if t.Endpoint == "" {
		t.Endpoint = DefaultEndpoint(kind)
	}
	if t.Model == "" {
		t.Model = DefaultModel(kind)
	}
	return t
}
