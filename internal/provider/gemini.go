package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/nugget/playertxt/internal/httpkit"
)

// Gemini speaks the Google Generative Language REST API.
type Gemini struct {
	client *http.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini adapter. A nil client gets the shared
// httpkit defaults.
func NewGemini(client *http.Client, logger *slog.Logger) *Gemini {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{client: client, logger: logger.With("provider", KindGemini)}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerateRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type geminiEmbedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// modelPath accepts both "gemini-1.5-pro" and "models/gemini-1.5-pro".
func modelPath(model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return "models/" + model
}

// Generate sends the system instruction and prompt as a single text part.
func (g *Gemini) Generate(ctx context.Context, t Target, prompt, system string) (string, error) {
	u := fmt.Sprintf("%s/%s:generateContent?key=%s", t.endpoint(), modelPath(t.Model), url.QueryEscape(t.Credential))
	req := geminiGenerateRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: system + "\n\n" + prompt}}}},
	}

	g.logger.Debug("sending generate request", "model", t.Model, "prompt_len", len(prompt))
	g.logger.Log(ctx, LevelTrace, "generate prompt", "system", system, "prompt", prompt)

	var resp geminiGenerateResponse
	if err := httpkit.DoJSON(ctx, g.client, http.MethodPost, u, nil, req, &resp); err != nil {
		return "", apiError(err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("response has no candidates")
	}

	if resp.Candidates[0].Content.Parts[0].Text == nil {
		return "", ErrNoText
	}

	text := *resp.Candidates[0].Content.Parts[0].Text
	g.logger.Log(ctx, LevelTrace, "generate response", "content", text)
	return text, nil
}

// ListModels returns models that support generateContent, without the
// "models/" prefix.
func (g *Gemini) ListModels(ctx context.Context, credential, endpoint string) ([]string, error) {
	if credential == "" {
		return nil, fmt.Errorf("%s: %w", KindGemini, ErrUnroutable)
	}
	t := Target{Kind: KindGemini, Endpoint: endpoint}
	u := fmt.Sprintf("%s/models?key=%s", t.endpoint(), url.QueryEscape(credential))

	var list geminiModelList
	if err := httpkit.DoJSON(ctx, g.client, http.MethodGet, u, nil, nil, &list); err != nil {
		return nil, apiError(err)
	}

	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if slices.Contains(m.SupportedGenerationMethods, "generateContent") {
			models = append(models, strings.TrimPrefix(m.Name, "models/"))
		}
	}
	return models, nil
}

// Embed always uses the embedding model regardless of t.Model.
func (g *Gemini) Embed(ctx context.Context, t Target, text string) ([]float32, error) {
	model := modelPath(GeminiEmbeddingModel)
	u := fmt.Sprintf("%s/%s:embedContent?key=%s", t.endpoint(), model, url.QueryEscape(t.Credential))
	req := geminiEmbedRequest{
		Model:   model,
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	}

	var resp geminiEmbedResponse
	if err := httpkit.DoJSON(ctx, g.client, http.MethodPost, u, nil, req, &resp); err != nil {
		return nil, apiError(err)
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, errors.New("empty embedding")
	}
	return resp.Embedding.Values, nil
}
