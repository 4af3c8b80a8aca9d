package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/nugget/playertxt/internal/storage"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{
			name:     "identical",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal",
			a:        []float32{1, 0},
			b:        []float32{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite",
			a:        []float32{1, 1},
			b:        []float32{-1, -1},
			expected: -1.0,
		},
		{
			name:     "mismatched length",
			a:        []float32{1},
			b:        []float32{1, 2},
			expected: 0.0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	vectors := [][]float32{
		{0, 1, 0},     // orthogonal, sim = 0
		{1, 0, 0},     // identical, sim = 1
		{-1, 0, 0},    // opposite, sim = -1
		{0.7, 0.7, 0}, // similar, sim ~ 0.707
	}

	top2 := TopK(query, vectors, 2)
	if len(top2) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top2))
	}
	if top2[0] != 1 {
		t.Errorf("expected index 1 (identical) first, got %d", top2[0])
	}
	if top2[1] != 3 {
		t.Errorf("expected index 3 (similar) second, got %d", top2[1])
	}
}

type fakeEmbedder struct {
	vecs  map[string][]float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vecs[text], nil
}

type fakeFacts struct {
	facts []storage.Fact
	saved map[int64][]float32
}

func (f *fakeFacts) Facts(context.Context, int64) ([]storage.Fact, error) {
	return f.facts, nil
}

func (f *fakeFacts) SaveFactVector(_ context.Context, id int64, vec []float32) error {
	if f.saved == nil {
		f.saved = map[int64][]float32{}
	}
	f.saved[id] = vec
	for i := range f.facts {
		if f.facts[i].ID == id {
			f.facts[i].Vector = "[1]"
		}
	}
	return nil
}

func TestIndex_Relevant(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"where is the lamp":            {1, 0},
		"lamp: It hangs in the tower.": {0.9, 0.1},
		"weather: A gale blows.":       {0, 1},
	}}
	store := &fakeFacts{facts: []storage.Fact{
		{ID: 1, Attribute: "weather", Value: "A gale blows."},
		{ID: 2, Attribute: "lamp", Value: "It hangs in the tower."},
	}}
	ix := NewIndex(emb, store, nil)

	got, err := ix.Relevant(context.Background(), 7, "where is the lamp", 1)
	if err != nil {
		t.Fatalf("Relevant: %v", err)
	}
	if len(got) != 1 || got[0].Attribute != "lamp" {
		t.Fatalf("matches = %+v", got)
	}
	if got[0].Score < 0.9 {
		t.Errorf("score = %f", got[0].Score)
	}
	if len(store.saved) != 2 {
		t.Errorf("lazily saved %d vectors, want 2", len(store.saved))
	}
}

func TestIndex_RelevantEmbedderCannotEmbed(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{}}
	store := &fakeFacts{facts: []storage.Fact{{ID: 1, Attribute: "a", Value: "b"}}}
	got, err := NewIndex(emb, store, nil).Relevant(context.Background(), 1, "query", 3)
	if got != nil || err != nil {
		t.Errorf("got %v, %v; want nil, nil", got, err)
	}
	if emb.calls != 1 {
		t.Errorf("facts embedded despite nil query vector")
	}
}

func TestIndex_RelevantError(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("quota exceeded")}
	_, err := NewIndex(emb, &fakeFacts{}, nil).Relevant(context.Background(), 1, "q", 3)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestIndex_RelevantZeroK(t *testing.T) {
	emb := &fakeEmbedder{}
	got, err := NewIndex(emb, &fakeFacts{}, nil).Relevant(context.Background(), 1, "q", 0)
	if got != nil || err != nil || emb.calls != 0 {
		t.Errorf("k=0 should be a no-op")
	}
}

func TestIndex_Backfill(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"a: one": {1},
		"b: two": {2},
	}}
	store := &fakeFacts{facts: []storage.Fact{
		{ID: 1, Attribute: "a", Value: "one"},
		{ID: 2, Attribute: "b", Value: "two"},
		{ID: 3, Attribute: "c", Value: "three", Vector: "[3]"},
	}}
	n, err := NewIndex(emb, store, nil).Backfill(context.Background(), 1)
	if err != nil || n != 2 {
		t.Fatalf("Backfill = %d, %v", n, err)
	}
	if _, ok := store.saved[3]; ok {
		t.Error("fact with a vector was recomputed")
	}
}
