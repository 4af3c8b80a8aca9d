package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/playertxt/internal/provider"
)

// DefaultPlayerCount is used when a generation request names none.
const DefaultPlayerCount = 5

// architectInstruction is the director's system instruction for world
// generation.
const architectInstruction = `You are a Game Architect for "PlayerTXT".
Output a PURE JSON world document following schema version ` + Version + `.

Schema:
- version: "` + Version + `"
- metadata: { name, description, author, playerCount }
- seed_data: {
    rooms: [{ internalName, displayName, description, isDark, exits: [{ direction, target, description }] }],
    characters: [{ name, secretGoal, personaPrompt, startRoom, isAI }],
    items: [{ name, description, room, critical, hidden }],
    facts: [{ attribute, value }]
  }

Rules:
1. Characters MUST have a name, secretGoal, and personaPrompt.
2. Rooms MUST have internalName, displayName, description, and exits.
3. Exit directions are compass points (north, northeast, ...), up or down; targets are room internalNames.
4. One character MUST be secretly designated as the antagonist in their secretGoal.
5. At least one item MUST be a critical clue.
6. Return ONLY the JSON object. No markdown, no filler.`

// ErrEmptyConcept is returned when Generate is called without a concept.
var ErrEmptyConcept = errors.New("concept is required")

// Backend produces text for a provider role.
type Backend interface {
	Generate(ctx context.Context, role provider.Role, prompt, system string) (string, error)
}

// Generator asks the director to author new worlds.
type Generator struct {
	backend Backend
	logger  *slog.Logger
}

// NewGenerator creates a world generator.
func NewGenerator(b Backend, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{backend: b, logger: logger}
}

// Generate authors a world from a free-form concept. The result is
// validated; a document the director gets wrong is an error wrapping
// ErrInvalidWorld.
func (g *Generator) Generate(ctx context.Context, concept string, playerCount int) (*World, error) {
	concept = strings.TrimSpace(concept)
	if concept == "" {
		return nil, ErrEmptyConcept
	}
	if playerCount <= 0 {
		playerCount = DefaultPlayerCount
	}

	start := time.Now()
	prompt := fmt.Sprintf("User Concept: %s\nPlayer Count: %d", concept, playerCount)
	text, err := g.backend.Generate(ctx, provider.RoleDirector, prompt, architectInstruction)
	if err != nil {
		return nil, fmt.Errorf("generate world: %w", err)
	}

	w, err := Parse([]byte(stripFences(text)))
	if err != nil {
		g.logger.Warn("director returned an unusable world",
			"error", err, "response_len", len(text))
		return nil, err
	}
	if w.Metadata.PlayerCount == 0 {
		w.Metadata.PlayerCount = playerCount
	}

	g.logger.Info("world generated",
		"name", w.Metadata.Name,
		"rooms", len(w.SeedData.Rooms),
		"characters", len(w.SeedData.Characters),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return w, nil
}

// stripFences removes a markdown code fence around a JSON object and
// any chatter outside the outermost braces.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		// Drop the info string ("json") on the opening fence line.
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			rest = rest[i+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```"))
	}
	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}
