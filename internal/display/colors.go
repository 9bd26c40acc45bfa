package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
	ColorBrightCyan
	ColorBrightWhite
)

// ColorTheme defines color scheme for different message types
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// ColorSystem handles color application and terminal detection
type ColorSystem struct {
	theme          ColorTheme
	colorSupported bool
	colorMap       map[Color]*color.Color
}

// NewColorSystem creates a color system. Colors are applied only when
// enabled is true and the terminal supports them.
func NewColorSystem(theme ColorTheme, enabled bool) *ColorSystem {
	cs := &ColorSystem{
		theme:          theme,
		colorSupported: enabled && detectColorSupport(),
	}
	cs.initializeColorMap()
	return cs
}

// detectColorSupport checks if stdout is a color-capable terminal
func detectColorSupport() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

func (cs *ColorSystem) initializeColorMap() {
	cs.colorMap = map[Color]*color.Color{
		ColorReset:        color.New(color.Reset),
		ColorRed:          color.New(color.FgRed),
		ColorGreen:        color.New(color.FgGreen),
		ColorYellow:       color.New(color.FgYellow),
		ColorBlue:         color.New(color.FgBlue),
		ColorMagenta:      color.New(color.FgMagenta),
		ColorCyan:         color.New(color.FgCyan),
		ColorWhite:        color.New(color.FgWhite),
		ColorBrightRed:    color.New(color.FgHiRed),
		ColorBrightGreen:  color.New(color.FgHiGreen),
		ColorBrightYellow: color.New(color.FgHiYellow),
		ColorBrightBlue:   color.New(color.FgHiBlue),
		ColorBrightCyan:   color.New(color.FgHiCyan),
		ColorBrightWhite:  color.New(color.FgHiWhite),
	}

	for _, c := range cs.colorMap {
		if cs.colorSupported {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// Colorize applies color to text if color is supported
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if cs == nil || !cs.colorSupported {
		return text
	}
	if c, ok := cs.colorMap[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats text with color using format string
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// IsColorSupported returns whether colors are applied
func (cs *ColorSystem) IsColorSupported() bool {
	return cs != nil && cs.colorSupported
}

// Theme returns the current color theme
func (cs *ColorSystem) Theme() ColorTheme {
	if cs == nil {
		return ColorTheme{}
	}
	return cs.theme
}

// DarkColorTheme returns a color theme optimized for dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightColorTheme returns a color theme optimized for light terminals
func LightColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorMagenta,
	}
}

// HighContrastColorTheme returns a high-contrast color theme for accessibility
func HighContrastColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorBrightCyan,
		Muted:   ColorBrightWhite,
	}
}

// PlainTextTheme returns a theme that uses no colors
func PlainTextTheme() ColorTheme {
	return ColorTheme{}
}

// GetThemeByName returns a color theme by name. "auto" asks the terminal
// for its background color.
func GetThemeByName(name string) ColorTheme {
	switch ThemeName(name) {
	case ThemeLight:
		return LightColorTheme()
	case ThemeHighContrast:
		return HighContrastColorTheme()
	case ThemePlain:
		return PlainTextTheme()
	case ThemeAuto:
		if !termenv.HasDarkBackground() {
			return LightColorTheme()
		}
		return DarkColorTheme()
	default:
		return DarkColorTheme()
	}
}
