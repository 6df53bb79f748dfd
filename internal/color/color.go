// Package color implements the fixed member color palette and its
// mapping onto multiplexer border/status colors, grounded on the
// teacher's tmux.AssignTheme/ApplyTheme join-order theming.
package color

import "fmt"

// Color is one of the eight fixed palette entries a member can be
// assigned, in the order spec §6 fixes them.
type Color string

const (
	Red    Color = "red"
	Blue   Color = "blue"
	Green  Color = "green"
	Yellow Color = "yellow"
	Purple Color = "purple"
	Orange Color = "orange"
	Pink   Color = "pink"
	Cyan   Color = "cyan"
)

// palette is the fixed assignment order. Its length defines the modulo
// used by Assign.
var palette = []Color{Red, Blue, Green, Yellow, Purple, Orange, Pink, Cyan}

// muxColor maps a palette entry to the multiplexer color name/number
// used for pane borders and status styling. Entries that already name a
// standard multiplexer color (red, blue, green, yellow, cyan) pass
// through unchanged; the three that don't (purple, orange, pink) map to
// the nearest 256-color equivalent.
var muxColor = map[Color]string{
	Red:    "red",
	Blue:   "blue",
	Green:  "green",
	Yellow: "yellow",
	Purple: "magenta",
	Orange: "colour208",
	Pink:   "colour205",
	Cyan:   "cyan",
}

// Valid reports whether c is one of the eight palette entries.
func (c Color) Valid() bool {
	_, ok := muxColor[c]
	return ok
}

// Assign returns the palette entry for a member at the given joined-order
// index (0-based), wrapping every 8 members.
func Assign(joinIndex int) Color {
	if joinIndex < 0 {
		joinIndex = -joinIndex
	}
	return palette[joinIndex%len(palette)]
}

// MultiplexerColor returns the tmux-style color name/number for c, per
// the palette→multiplexer-border mapping named in spec §6.
func MultiplexerColor(c Color) (string, error) {
	mc, ok := muxColor[c]
	if !ok {
		return "", fmt.Errorf("color: unknown palette entry %q", c)
	}
	return mc, nil
}

// Style renders the tmux status-style option value for a pane themed
// with c, mirroring the teacher's Theme.Style() shape
// (foreground/background pair suitable for "set-option status-style").
func Style(c Color) (string, error) {
	mc, err := MultiplexerColor(c)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("fg=%s,bg=default", mc), nil
}

// All returns the fixed palette in its assignment order.
func All() []Color {
	out := make([]Color, len(palette))
	copy(out, palette)
	return out
}
