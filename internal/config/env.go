package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are read from the process environment after the YAML
// file. Names match the ones the container images have always used.
type envOverrides struct {
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	OllamaURL        string `env:"OLLAMA_URL"`
	AdminToken       string `env:"PLAYERTXT_ADMIN_TOKEN"`
	AdminPassword    string `env:"ADMIN_PASSWORD"`
	StorageDriver    string `env:"PLAYERTXT_STORAGE_DRIVER"`
	StorageDSN       string `env:"PLAYERTXT_STORAGE_DSN"`
	LogLevel         string `env:"PLAYERTXT_LOG_LEVEL"`
	Port             int    `env:"PORT"`
}

// ApplyEnv overlays non-empty environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setIf(&c.Providers.GeminiAPIKey, o.GeminiAPIKey)
	setIf(&c.Providers.OpenRouterAPIKey, o.OpenRouterAPIKey)
	setIf(&c.Providers.OllamaURL, o.OllamaURL)
	setIf(&c.Admin.Token, o.AdminToken)
	setIf(&c.Admin.Password, o.AdminPassword)
	setIf(&c.Storage.Driver, o.StorageDriver)
	setIf(&c.Storage.DSN, o.StorageDSN)
	setIf(&c.LogLevel, o.LogLevel)
	if o.Port > 0 {
		c.Listen.Port = o.Port
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Flat keys used by the admin config surface and persisted in the
// system config store.
const (
	KeyDirectorProvider  = "AI_DIRECTOR_PROVIDER"
	KeyDirectorKey       = "AI_DIRECTOR_KEY"
	KeyDirectorURL       = "AI_DIRECTOR_URL"
	KeyDirectorModel     = "AI_DIRECTOR_MODEL"
	KeyWorkhorseProvider = "AI_WORKHORSE_PROVIDER"
	KeyWorkhorseKey      = "AI_WORKHORSE_KEY"
	KeyWorkhorseURL      = "AI_WORKHORSE_URL"
	KeyWorkhorseModel    = "AI_WORKHORSE_MODEL"
	KeyGeminiAPIKey      = "GEMINI_API_KEY"
	KeyOpenRouterAPIKey  = "OPENROUTER_API_KEY"
	KeyOllamaURL         = "OLLAMA_URL"
)

// ProviderKeys lists every flat key WithOverrides understands.
var ProviderKeys = []string{
	KeyDirectorProvider, KeyDirectorKey, KeyDirectorURL, KeyDirectorModel,
	KeyWorkhorseProvider, KeyWorkhorseKey, KeyWorkhorseURL, KeyWorkhorseModel,
	KeyGeminiAPIKey, KeyOpenRouterAPIKey, KeyOllamaURL,
}

// WithOverrides returns a copy of p with the flat key/value pairs
// applied. Unknown keys and empty values are ignored. The receiver is
// never modified, so callers can build a complete replacement and swap
// it in one step.
func (p ProvidersConfig) WithOverrides(flat map[string]string) ProvidersConfig {
	out := p
	for k, v := range flat {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch strings.ToUpper(k) {
		case KeyDirectorProvider:
			out.Director.Provider = strings.ToLower(v)
		case KeyDirectorKey:
			out.Director.Key = v
		case KeyDirectorURL:
			out.Director.URL = v
		case KeyDirectorModel:
			out.Director.Model = v
		case KeyWorkhorseProvider:
			out.Workhorse.Provider = strings.ToLower(v)
		case KeyWorkhorseKey:
			out.Workhorse.Key = v
		case KeyWorkhorseURL:
			out.Workhorse.URL = v
		case KeyWorkhorseModel:
			out.Workhorse.Model = v
		case KeyGeminiAPIKey:
			out.GeminiAPIKey = v
		case KeyOpenRouterAPIKey:
			out.OpenRouterAPIKey = v
		case KeyOllamaURL:
			out.OllamaURL = v
		}
	}
	return out
}

// Flatten renders p as flat keys with credentials masked, for display
// on the admin surface.
func (p ProvidersConfig) Flatten() map[string]string {
	return map[string]string{
		KeyDirectorProvider:  p.Director.Provider,
		KeyDirectorKey:       mask(p.Director.Key),
		KeyDirectorURL:       p.Director.URL,
		KeyDirectorModel:     p.Director.Model,
		KeyWorkhorseProvider: p.Workhorse.Provider,
		KeyWorkhorseKey:      mask(p.Workhorse.Key),
		KeyWorkhorseURL:      p.Workhorse.URL,
		KeyWorkhorseModel:    p.Workhorse.Model,
		KeyGeminiAPIKey:      mask(p.GeminiAPIKey),
		KeyOpenRouterAPIKey:  mask(p.OpenRouterAPIKey),
		KeyOllamaURL:         p.OllamaURL,
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
