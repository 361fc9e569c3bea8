package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color is a terminal color slot
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
)

// ColorTheme maps message roles to colors
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// ColorSystem applies colors when the output supports them
type ColorSystem struct {
	theme    ColorTheme
	enabled  bool
	colorMap map[Color]*color.Color
}

// NewColorSystem creates a color system for out. Colors are disabled for
// non-terminals, NO_COLOR and TERM=dumb.
func NewColorSystem(theme ColorTheme, out io.Writer, allow bool) *ColorSystem {
	cs := &ColorSystem{
		theme:   theme,
		enabled: allow && detectColorSupport(out),
		colorMap: map[Color]*color.Color{
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
		},
	}
	// fatih/color checks os.Stdout on its own; force it to follow our decision
	for _, c := range cs.colorMap {
		if cs.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

func detectColorSupport(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if termenv.EnvNoColor() || os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// Enabled reports whether escape sequences are emitted
func (cs *ColorSystem) Enabled() bool { return cs.enabled }

// Theme returns the active theme
func (cs *ColorSystem) Theme() ColorTheme { return cs.theme }

// Colorize wraps text in clr when colors are enabled
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled || clr == ColorReset {
		return text
	}
	if c, ok := cs.colorMap[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats and colorizes
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// DarkColorTheme suits dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorBrightCyan,
		Muted:   ColorWhite,
	}
}

// LightColorTheme suits light terminals
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

// PlainTextTheme uses no colors
func PlainTextTheme() ColorTheme {
	return ColorTheme{}
}

// ThemeByName resolves dark, light, plain or auto. Auto asks the terminal
// for its background color.
func ThemeByName(name string) ColorTheme {
	switch name {
	case "light":
		return LightColorTheme()
	case "plain", "none":
		return PlainTextTheme()
	case "auto":
		if termenv.HasDarkBackground() {
			return DarkColorTheme()
		}
		return LightColorTheme()
	default:
		return DarkColorTheme()
	}
}
