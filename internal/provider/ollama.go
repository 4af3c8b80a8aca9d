package provider

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nugget/playertxt/internal/httpkit"
)

// Ollama speaks the native Ollama API of a self-hosted server.
type Ollama struct {
	client *http.Client
	logger *slog.Logger
}

// NewOllama creates an Ollama adapter. A nil client gets the shared
// httpkit defaults with a short dial retry, since a local server that
// is still starting refuses connections outright.
func NewOllama(client *http.Client, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", KindOllama)
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, defaultRetryDelay),
			httpkit.WithLogger(logger),
		)
	}
	return &Ollama{client: client, logger: logger}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response *string `json:"response"`
	Done     bool   `json:"done"`

	TotalDuration int64 `json:"total_duration,omitempty"`
	EvalCount     int   `json:"eval_count,omitempty"`
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate uses the non-streaming generate endpoint. The system
// instruction is prepended to the prompt.
func (o *Ollama) Generate(ctx context.Context, t Target, prompt, system string) (string, error) {
	req := ollamaGenerateRequest{
		Model:  t.Model,
		Prompt: system + "\n\n" + prompt,
		Stream: false,
	}

	o.logger.Debug("sending generate request", "model", t.Model, "url", t.endpoint(), "prompt_len", len(prompt))
	o.logger.Log(ctx, LevelTrace, "generate prompt", "prompt", req.Prompt)

	var resp ollamaGenerateResponse
	if err := httpkit.DoJSON(ctx, o.client, http.MethodPost, t.endpoint()+"/api/generate", nil, req, &resp); err != nil {
		return "", apiError(err)
	}

	if resp.Response == nil {
		return "", ErrNoText
	}

	o.logger.Debug("response received",
		"model", resp.Model,
		"eval_count", resp.EvalCount,
		"total_duration_ms", resp.TotalDuration/1e6,
	)
	o.logger.Log(ctx, LevelTrace, "generate response", "content", *resp.Response)
	return *resp.Response, nil
}

// ListModels returns the locally pulled models.
func (o *Ollama) ListModels(ctx context.Context, _ string, endpoint string) ([]string, error) {
	t := Target{Kind: KindOllama, Endpoint: endpoint}

	var tags ollamaTags
	if err := httpkit.DoJSON(ctx, o.client, http.MethodGet, t.endpoint()+"/api/tags", nil, nil, &tags); err != nil {
		return nil, apiError(err)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

func (o *Ollama) Embed(context.Context, Target, string) ([]float32, error) {
	return nil, ErrEmbedUnsupported
}
