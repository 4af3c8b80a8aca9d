package scenario

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/playertxt/internal/provider"
)

type fakeBackend struct {
	reply  string
	err    error
	role   provider.Role
	prompt string
	system string
}

func (b *fakeBackend) Generate(_ context.Context, role provider.Role, prompt, system string) (string, error) {
	b.role, b.prompt, b.system = role, prompt, system
	return b.reply, b.err
}

func TestGenerate(t *testing.T) {
	b := &fakeBackend{reply: "```json\n" + minimalWorld + "\n```"}
	g := NewGenerator(b, nil)

	w, err := g.Generate(context.Background(), "  a haunted attic ", 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if b.role != provider.RoleDirector {
		t.Errorf("role = %s, want director", b.role)
	}
	if !strings.Contains(b.prompt, "User Concept: a haunted attic") || !strings.Contains(b.prompt, "Player Count: 5") {
		t.Errorf("prompt = %q", b.prompt)
	}
	if !strings.Contains(b.system, "Game Architect") {
		t.Errorf("system instruction missing")
	}
	if w.Metadata.Name != "Attic" || w.Metadata.PlayerCount != 5 {
		t.Errorf("metadata = %+v", w.Metadata)
	}
}

func TestGenerate_Errors(t *testing.T) {
	backendErr := &provider.Failure{Role: provider.RoleDirector, Cause: errors.New("quota")}
	tests := []struct {
		name    string
		concept string
		backend *fakeBackend
		want    error
	}{
		{"empty concept", " ", &fakeBackend{}, ErrEmptyConcept},
		{"backend", "x", &fakeBackend{err: backendErr}, backendErr},
		{"prose", "x", &fakeBackend{reply: "I cannot do that."}, ErrInvalidWorld},
		{"invalid world", "x", &fakeBackend{reply: `{"metadata":{"name":"x"}}`}, ErrInvalidWorld},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.backend, nil).Generate(context.Background(), tt.concept, 3)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}```", `{"a":1}`},
		{"Here you go:\n{\"a\":{\"b\":2}}\nEnjoy!", `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
