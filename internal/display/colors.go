// Package display renders orchestrator state for the terminal: colored
// status labels, aligned tables and machine-readable output formats.
package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Role is the meaning a piece of text carries, mapped onto a color by the theme
type Role int

const (
	RolePlain Role = iota
	RolePrimary
	RoleSuccess
	RoleWarning
	RoleError
	RoleInfo
	RoleMuted
)

// Theme assigns a color to each role
type Theme map[Role]*color.Color

// DarkTheme suits dark terminal backgrounds
func DarkTheme() Theme {
	return Theme{
		RolePrimary: color.New(color.FgHiBlue, color.Bold),
		RoleSuccess: color.New(color.FgHiGreen),
		RoleWarning: color.New(color.FgHiYellow),
		RoleError:   color.New(color.FgHiRed),
		RoleInfo:    color.New(color.FgCyan),
		RoleMuted:   color.New(color.FgWhite, color.Faint),
	}
}

// LightTheme suits light terminal backgrounds
func LightTheme() Theme {
	return Theme{
		RolePrimary: color.New(color.FgBlue, color.Bold),
		RoleSuccess: color.New(color.FgGreen),
		RoleWarning: color.New(color.FgYellow),
		RoleError:   color.New(color.FgRed),
		RoleInfo:    color.New(color.FgCyan),
		RoleMuted:   color.New(color.FgMagenta),
	}
}

// ThemeByName returns the named theme, falling back to dark
func ThemeByName(name string) Theme {
	if name == "light" {
		return LightTheme()
	}
	return DarkTheme()
}

// Colors applies a theme when the output supports it
type Colors struct {
	theme   Theme
	enabled bool
}

// NewColors detects color support for out. noColor forces plain output.
func NewColors(out io.Writer, theme Theme, noColor bool) *Colors {
	c := &Colors{theme: theme, enabled: !noColor && supportsColor(out)}
	for _, clr := range theme {
		if c.enabled {
			clr.EnableColor()
		} else {
			clr.DisableColor()
		}
	}
	return c
}

// supportsColor reports whether out is a terminal that can show color
func supportsColor(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

// Enabled reports whether color codes are written
func (c *Colors) Enabled() bool {
	return c.enabled
}

// Sprint colors text for a role
func (c *Colors) Sprint(role Role, text string) string {
	clr, ok := c.theme[role]
	if !c.enabled || !ok {
		return text
	}
	return clr.Sprint(text)
}

// Sprintf formats and colors text for a role
func (c *Colors) Sprintf(role Role, format string, args ...interface{}) string {
	return c.Sprint(role, fmt.Sprintf(format, args...))
}

// StatusRole maps backup, validation and scheduler states onto roles
func StatusRole(status string) Role {
	switch status {
	case "succeeded", "valid", "active", "started", "stopped", "ok":
		return RoleSuccess
	case "running", "retrying", "scheduled", "already_running", "not_running":
		return RoleWarning
	case "failed", "exhausted", "corrupt", "incomplete", "inactive":
		return RoleError
	default:
		return RolePlain
	}
}

// Status colors a state by its meaning
func (c *Colors) Status(status string) string {
	return c.Sprint(StatusRole(status), status)
}
