package light

import (
	"fmt"
	"math"
	"strings"
)

// Color is an immutable 8-bit RGB triple. Channels are clamped to [0,255]
// at construction; derived values are new instances.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// NewColor builds a Color, clamping each channel independently. Out-of-range
// inputs are clamped, never rejected.
func NewColor(r, g, b int) Color {
	return Color{clamp8(r), clamp8(g), clamp8(b)}
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Hex returns the color as "#rrggbb" (lowercase).
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseHex parses "#rrggbb" or "rrggbb" into a Color.
func ParseHex(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return Color{}, fmt.Errorf("parse color %q: want 6 hex digits", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return Color{}, fmt.Errorf("parse color %q: %w", s, err)
	}
	return Color{r, g, b}, nil
}

// ApplyBrightness scales every channel by factor (clamped to [0,1]),
// truncating toward zero. Factor 1 is the identity, 0 yields black.
func (c Color) ApplyBrightness(factor float64) Color {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	return Color{
		uint8(float64(c.R) * factor),
		uint8(float64(c.G) * factor),
		uint8(float64(c.B) * factor),
	}
}

// Lerp linearly interpolates between c and other. t=0 yields c, t=1 other.
func (c Color) Lerp(other Color, t float64) Color {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return Color{
		uint8(math.Round(float64(c.R) + (float64(other.R)-float64(c.R))*t)),
		uint8(math.Round(float64(c.G) + (float64(other.G)-float64(c.G))*t)),
		uint8(math.Round(float64(c.B) + (float64(other.B)-float64(c.B))*t)),
	}
}

// FromHSV converts hue (degrees, wrapped into [0,360)), saturation and
// value (both [0,1]) to RGB.
func FromHSV(h, s, v float64) Color {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if s < 0 {
		s = 0
	} else if s > 1 {
		s = 1
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}

	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return Color{
		uint8(math.Round((r + m) * 255)),
		uint8(math.Round((g + m) * 255)),
		uint8(math.Round((b + m) * 255)),
	}
}
