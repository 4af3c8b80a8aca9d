// Package scenario defines the world document that seeds a mission and
// generates new ones through the director role.
package scenario

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nugget/playertxt/internal/compass"
)

// Version is the world document schema version this package reads and
// writes.
const Version = "1.0.0"

// World is a complete world document.
type World struct {
	Version  string   `json:"version"`
	Metadata Metadata `json:"metadata"`
	SeedData SeedData `json:"seed_data"`
}

// Metadata describes a world.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author,omitempty"`
	PlayerCount int    `json:"playerCount,omitempty"`
}

// SeedData is the initial content of a world.
type SeedData struct {
	Rooms      []Room      `json:"rooms"`
	Characters []Character `json:"characters"`
	Items      []Item      `json:"items"`
	Facts      []Fact      `json:"facts,omitempty"`
}

// Room is one location. InternalName is the stable key exits and items
// refer to; DisplayName is what players see.
type Room struct {
	InternalName string `json:"internalName"`
	DisplayName  string `json:"displayName"`
	Description  string `json:"description"`
	IsDark       bool   `json:"isDark,omitempty"`
	Exits        Exits  `json:"exits"`
}

// Exit leads from the enclosing room to Target.
type Exit struct {
	Direction   string `json:"direction"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

// Exits accepts either a list of exit objects or a {"north": "hall"}
// object, both of which generated documents use.
type Exits []Exit

// UnmarshalJSON implements json.Unmarshaler.
func (e *Exits) UnmarshalJSON(data []byte) error {
	var list []Exit
	if err := json.Unmarshal(data, &list); err == nil {
		*e = list
		return nil
	}

	var byDir map[string]string
	if err := json.Unmarshal(data, &byDir); err != nil {
		return fmt.Errorf("exits must be a list or a direction map: %w", err)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	out := make(Exits, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, Exit{Direction: d, Target: byDir[d]})
	}
	*e = out
	return nil
}

// Character is a playable or AI-driven role.
type Character struct {
	Name          string `json:"name"`
	SecretGoal    string `json:"secretGoal"`
	PersonaPrompt string `json:"personaPrompt"`
	StartRoom     string `json:"startRoom,omitempty"`
	IsAI          bool   `json:"isAI,omitempty"`
}

// Item is an object placed in a room.
type Item struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Room        string `json:"room,omitempty"`
	Critical    bool   `json:"critical,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// Fact is a piece of world lore the narrator can draw on.
type Fact struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// ErrInvalidWorld wraps every validation failure.
var ErrInvalidWorld = errors.New("invalid world document")

// Validate checks the document and canonicalises exit directions in
// place. Every problem found is reported, not just the first.
func (w *World) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if w.Version == "" {
		w.Version = Version
	} else if w.Version != Version {
		add("unsupported version %q", w.Version)
	}
	if strings.TrimSpace(w.Metadata.Name) == "" {
		add("metadata.name is required")
	}

	rooms := make(map[string]bool, len(w.SeedData.Rooms))
	if len(w.SeedData.Rooms) == 0 {
		add("at least one room is required")
	}
	for i, r := range w.SeedData.Rooms {
		switch {
		case r.InternalName == "":
			add("rooms[%d].internalName is required", i)
		case rooms[r.InternalName]:
			add("rooms[%d]: duplicate internalName %q", i, r.InternalName)
		}
		if r.DisplayName == "" {
			add("rooms[%d].displayName is required", i)
		}
		if r.Description == "" {
			add("rooms[%d].description is required", i)
		}
		rooms[r.InternalName] = true
	}

	for i := range w.SeedData.Rooms {
		r := &w.SeedData.Rooms[i]
		for j := range r.Exits {
			x := &r.Exits[j]
			d, ok := compass.Classify(x.Direction)
			if !ok {
				add("rooms[%d].exits[%d]: unknown direction %q", i, j, x.Direction)
			} else {
				x.Direction = string(d)
			}
			if !rooms[x.Target] {
				add("rooms[%d].exits[%d]: unknown target room %q", i, j, x.Target)
			}
		}
	}

	for i, c := range w.SeedData.Characters {
		if c.Name == "" || c.SecretGoal == "" || c.PersonaPrompt == "" {
			add("characters[%d] needs name, secretGoal and personaPrompt", i)
		}
		if c.StartRoom != "" && !rooms[c.StartRoom] {
			add("characters[%d]: unknown startRoom %q", i, c.StartRoom)
		}
	}

	critical := false
	for i, it := range w.SeedData.Items {
		if it.Name == "" {
			add("items[%d].name is required", i)
		}
		if it.Room != "" && !rooms[it.Room] {
			add("items[%d]: unknown room %q", i, it.Room)
		}
		critical = critical || it.Critical
	}
	if !critical {
		add("at least one critical item is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorld, strings.Join(problems, "; "))
	}
	return nil
}

// StartRoom is the room new characters begin in: the character's own
// startRoom when set, otherwise the first room.
func (w *World) StartRoom(c Character) string {
	if c.StartRoom != "" {
		return c.StartRoom
	}
	if len(w.SeedData.Rooms) == 0 {
		return ""
	}
	return w.SeedData.Rooms[0].InternalName
}

// Parse decodes and validates a world document.
func Parse(data []byte) (*World, error) {
	var w World
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorld, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads and validates a world document file.
func Load(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read world %s: %w", path, err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load world %s: %w", path, err)
	}
	return w, nil
}

//go:embed worlds/lighthouse.json
var builtinWorld []byte

// Builtin returns the bundled starter world, imported on first boot
// when no seed world is configured.
func Builtin() *World {
	w, err := Parse(builtinWorld)
	if err != nil {
		panic("scenario: builtin world: " + err.Error())
	}
	return w
}
