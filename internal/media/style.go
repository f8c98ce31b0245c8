package media

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position is the vertical placement of burned captions.
type Position string

const (
	PositionTop    Position = "top"
	PositionMiddle Position = "middle"
	PositionBottom Position = "bottom"
)

// ParsePosition maps a client value to a Position, defaulting to bottom.
func ParsePosition(s string) Position {
	switch Position(strings.ToLower(strings.TrimSpace(s))) {
	case PositionTop:
		return PositionTop
	case PositionMiddle:
		return PositionMiddle
	default:
		return PositionBottom
	}
}

const (
	DefaultFontFamily      = "Arial"
	DefaultFontSize        = 24
	DefaultTextColor       = "white"
	DefaultBackgroundColor = "black@0.5"

	minFontSize = 8
	maxFontSize = 96
	edgeMargin  = 50
)

// Style controls how captions are drawn.
type Style struct {
	FontFamily      string   `json:"font_family"`
	FontSize        int      `json:"font_size"`
	TextColor       string   `json:"text_color"`
	BackgroundColor string   `json:"background_color"`
	Position        Position `json:"position"`
}

// DefaultStyle is white Arial 24 on a half-transparent black box at the bottom.
func DefaultStyle() Style {
	return Style{
		FontFamily:      DefaultFontFamily,
		FontSize:        DefaultFontSize,
		TextColor:       DefaultTextColor,
		BackgroundColor: DefaultBackgroundColor,
		Position:        PositionBottom,
	}
}

// Normalize fills empty fields with defaults and clamps the font size.
func (s Style) Normalize() Style {
	d := DefaultStyle()
	if f := sanitizeFont(s.FontFamily); f != "" {
		d.FontFamily = f
	}
	if s.FontSize > 0 {
		d.FontSize = s.FontSize
		if d.FontSize < minFontSize {
			d.FontSize = minFontSize
		}
		if d.FontSize > maxFontSize {
			d.FontSize = maxFontSize
		}
	}
	if _, ok := parseColor(s.TextColor); ok {
		d.TextColor = s.TextColor
	}
	if _, ok := parseColor(s.BackgroundColor); ok {
		d.BackgroundColor = s.BackgroundColor
	}
	d.Position = ParsePosition(string(s.Position))
	return d
}

// Placement returns the ASS numpad alignment and vertical margin for p.
func (p Position) Placement() (alignment, marginV int) {
	switch p {
	case PositionTop:
		return 8, edgeMargin
	case PositionMiddle:
		return 5, 0
	default:
		return 2, edgeMargin
	}
}

// ForceStyle renders the style as a libass force_style override.
func (s Style) ForceStyle() string {
	n := s.Normalize()
	text, _ := parseColor(n.TextColor)
	back, _ := parseColor(n.BackgroundColor)
	align, margin := n.Position.Placement()
	parts := []string{
		"FontName=" + n.FontFamily,
		"FontSize=" + strconv.Itoa(n.FontSize),
		"PrimaryColour=" + text.ass(),
		"OutlineColour=" + back.ass(),
		"BackColour=" + back.ass(),
		"BorderStyle=3",
		"Outline=1",
		"Shadow=0",
		"Alignment=" + strconv.Itoa(align),
		"MarginV=" + strconv.Itoa(margin),
	}
	return strings.Join(parts, ",")
}

type rgba struct {
	r, g, b uint8
	opacity float64
}

// ass formats the color as &HAABBGGRR where AA=00 is opaque.
func (c rgba) ass() string {
	alpha := uint8(math.Round((1 - c.opacity) * 255))
	return fmt.Sprintf("&H%02X%02X%02X%02X", alpha, c.b, c.g, c.r)
}

var namedColors = map[string][3]uint8{
	"white":   {255, 255, 255},
	"black":   {0, 0, 0},
	"red":     {255, 0, 0},
	"green":   {0, 128, 0},
	"lime":    {0, 255, 0},
	"blue":    {0, 0, 255},
	"yellow":  {255, 255, 0},
	"cyan":    {0, 255, 255},
	"magenta": {255, 0, 255},
	"gray":    {128, 128, 128},
	"orange":  {255, 165, 0},
}

// parseColor accepts a name or #RRGGBB, optionally followed by @opacity in [0,1].
func parseColor(s string) (rgba, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return rgba{}, false
	}
	c := rgba{opacity: 1}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		op, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil || op < 0 || op > 1 || math.IsNaN(op) {
			return rgba{}, false
		}
		c.opacity = op
		s = s[:i]
	}
	if s == "transparent" {
		c.opacity = 0
		return c, true
	}
	if rgb, ok := namedColors[s]; ok {
		c.r, c.g, c.b = rgb[0], rgb[1], rgb[2]
		return c, true
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x")
	if len(hex) != 6 {
		return rgba{}, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return rgba{}, false
	}
	c.r, c.g, c.b = uint8(v>>16), uint8(v>>8), uint8(v)
	return c, true
}

// sanitizeFont drops characters that would break out of the filter argument.
func sanitizeFont(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ',', ':', '=', '\'', '"', '\\', ';', '[', ']':
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
