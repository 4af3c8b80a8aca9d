package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nugget/playertxt/internal/httpkit"
)

// OpenRouter speaks the OpenAI-compatible chat completions API
// published by openrouter.ai.
type OpenRouter struct {
	client *http.Client
	logger *slog.Logger
}

// NewOpenRouter creates an OpenRouter adapter. A nil client gets the
// shared httpkit defaults.
func NewOpenRouter(client *http.Client, logger *slog.Logger) *OpenRouter {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenRouter{client: client, logger: logger.With("provider", KindOpenRouter)}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openRouterModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// attribution headers identify the game on openrouter.ai rankings.
func openRouterHeaders(credential string) map[string]string {
	h := map[string]string{
		"HTTP-Referer": "https://playertxt.org",
		"X-Title":      "PlayerTXT",
	}
	if credential != "" {
		h["Authorization"] = "Bearer " + credential
	}
	return h
}

// Generate sends the system instruction and prompt as separate messages.
func (o *OpenRouter) Generate(ctx context.Context, t Target, prompt, system string) (string, error) {
	req := chatRequest{
		Model: t.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}

	o.logger.Debug("sending chat request", "model", t.Model, "prompt_len", len(prompt))
	o.logger.Log(ctx, LevelTrace, "chat prompt", "system", system, "prompt", prompt)

	var resp chatResponse
	err := httpkit.DoJSON(ctx, o.client, http.MethodPost, t.endpoint()+"/chat/completions",
		openRouterHeaders(t.Credential), req, &resp)
	if err != nil {
		return "", apiError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}

	if resp.Choices[0].Message.Content == nil {
		return "", ErrNoText
	}

	text := *resp.Choices[0].Message.Content
	o.logger.Log(ctx, LevelTrace, "chat response", "content", text)
	return text, nil
}

// ListModels returns every model id. The listing is public, so the
// credential is optional here.
func (o *OpenRouter) ListModels(ctx context.Context, credential, endpoint string) ([]string, error) {
	t := Target{Kind: KindOpenRouter, Endpoint: endpoint}

	var list openRouterModelList
	if err := httpkit.DoJSON(ctx, o.client, http.MethodGet, t.endpoint()+"/models",
		openRouterHeaders(credential), nil, &list); err != nil {
		return nil, apiError(err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (o *OpenRouter) Embed(context.Context, Target, string) ([]float32, error) {
	return nil, ErrEmbedUnsupported
}
