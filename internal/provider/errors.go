package provider

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/playertxt/internal/httpkit"
)

var (
	// ErrUnroutable means the role's target lacks a credential its
	// backend requires. No network I/O is attempted.
	ErrUnroutable = errors.New("provider unroutable: credential missing")

	// ErrUnknownProvider means the role names a backend with no adapter.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownRole means the requested role is not configured.
	ErrUnknownRole = errors.New("unknown role")

	// ErrEmbedUnsupported is returned by adapters that cannot embed.
	ErrEmbedUnsupported = errors.New("embeddings not supported")

	// ErrNoText means a generate response decoded but carried no text
	// field.
	ErrNoText = errors.New("response has no text")
)

// Failure wraps an error returned by a backend call: transport
// failures, non-success statuses and malformed responses alike.
type Failure struct {
	Provider Kind
	Role     Role
	Cause    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Provider, f.Role, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// apiError replaces a raw JSON error body with the backend's own
// message when one is present. Gemini and OpenRouter nest it under
// error.message; Ollama uses a bare error string.
func apiError(err error) error {
	var se *httpkit.StatusError
	if !errors.As(err, &se) {
		return err
	}

	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal([]byte(se.Body), &body) != nil || len(body.Error) == 0 {
		return err
	}

	var msg string
	if json.Unmarshal(body.Error, &msg) != nil {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &nested) != nil {
			return err
		}
		msg = nested.Message
	}
	if msg == "" {
		return err
	}
	return &httpkit.StatusError{Code: se.Code, Body: msg}
}
