// Package provider routes generation requests to interchangeable
// generative-text backends by logical role.
//
// Two roles exist: the workhorse serves fast, high-volume calls such as
// narration, and the director serves quality calls such as scenario
// authoring and embeddings. Each role resolves to a [Target] naming one
// of a closed set of backends (gemini, openrouter, ollama). Targets are
// swapped wholesale at runtime, so a request always sees either the old
// configuration or the new one, never a mix.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role is a logical quality tier.
type Role string

const (
	RoleWorkhorse Role = "workhorse"
	RoleDirector  Role = "director"
)

// Roles lists every role in probe order.
var Roles = []Role{RoleWorkhorse, RoleDirector}

// ParseRole converts a case-insensitive role name.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleWorkhorse:
		return RoleWorkhorse, nil
	case RoleDirector:
		return RoleDirector, nil
	}
	return "", fmt.Errorf("unknown role %q (valid: workhorse, director)", s)
}

// Kind names a backend implementation.
type Kind string

const (
	KindGemini     Kind = "gemini"
	KindOpenRouter Kind = "openrouter"
	KindOllama     Kind = "ollama"
)

// NeedsCredential reports whether calls to k require an API key.
func (k Kind) NeedsCredential() bool {
	return k == KindGemini || k == KindOpenRouter
}

// Adapter speaks one backend's wire format. Implementations are
// stateless with respect to configuration: every call carries the
// target it should use.
type Adapter interface {
	// Generate returns the backend's text completion for prompt under
	// the system instruction.
	Generate(ctx context.Context, t Target, prompt, system string) (string, error)

	// ListModels returns the model identifiers available with the
	// given credential at endpoint. An empty endpoint means the
	// backend's default.
	ListModels(ctx context.Context, credential, endpoint string) ([]string, error)

	// Embed returns a vector for text, or ErrEmbedUnsupported.
	Embed(ctx context.Context, t Target, text string) ([]float32, error)
}
