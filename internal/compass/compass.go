// Package compass classifies literal movement commands.
package compass

import "strings"

// Direction is a canonical movement direction.
type Direction string

const (
	North     Direction = "NORTH"
	South     Direction = "SOUTH"
	East      Direction = "EAST"
	West      Direction = "WEST"
	Northeast Direction = "NORTHEAST"
	Northwest Direction = "NORTHWEST"
	Southeast Direction = "SOUTHEAST"
	Southwest Direction = "SOUTHWEST"
	Up        Direction = "UP"
	Down      Direction = "DOWN"
)

// Compass lists the eight horizontal directions.
var Compass = []Direction{North, South, East, West, Northeast, Northwest, Southeast, Southwest}

// lexicon maps every accepted token to its direction. Matching is exact
// after trimming and upper-casing; "GO NORTH" is not a movement.
var lexicon = map[string]Direction{
	"NORTH": North, "N": North,
	"SOUTH": South, "S": South,
	"EAST": East, "E": East,
	"WEST": West, "W": West,
	"NORTHEAST": Northeast, "NE": Northeast,
	"NORTHWEST": Northwest, "NW": Northwest,
	"SOUTHEAST": Southeast, "SE": Southeast,
	"SOUTHWEST": Southwest, "SW": Southwest,
	"UP": Up, "U": Up,
	"DOWN": Down, "D": Down,
}

// Classify reports whether raw is a literal movement command and which
// direction it names.
func Classify(raw string) (Direction, bool) {
	d, ok := lexicon[strings.ToUpper(strings.TrimSpace(raw))]
	return d, ok
}

// Lower is the direction as it reads in narration.
func (d Direction) Lower() string {
	return strings.ToLower(string(d))
}
