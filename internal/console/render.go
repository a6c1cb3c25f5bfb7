package console

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/agrivoice/internal/session"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// Theme defines the colours of the status view.
type Theme struct {
	Live    lipgloss.Color
	Pending lipgloss.Color
	Idle    lipgloss.Color
	Error   lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is a green-on-dark theme.
var DefaultTheme = Theme{
	Live:    lipgloss.Color("#00ff9f"),
	Pending: lipgloss.Color("#f2cc60"),
	Idle:    lipgloss.Color("#6e7681"),
	Error:   lipgloss.Color("#ff6b6b"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Badge     map[session.Status]lipgloss.Style
	MeterOn   lipgloss.Style
	MeterOff  lipgloss.Style
	Error     lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	Help      lipgloss.Style
}

// NewStyles creates styles from a theme for renderer r. A nil r uses the
// default renderer.
func NewStyles(t Theme, r *lipgloss.Renderer) Styles {
	if r == nil {
		r = lipgloss.DefaultRenderer()
	}
	badge := func(c lipgloss.Color) lipgloss.Style {
		return r.NewStyle().Bold(true).Foreground(lipgloss.Color("#0d1117")).Background(c).Padding(0, 1)
	}
	return Styles{
		Badge: map[session.Status]lipgloss.Style{
			session.StatusIdle:       badge(t.Idle),
			session.StatusConnecting: badge(t.Pending),
			session.StatusConnected:  badge(t.Live),
		},
		MeterOn:   r.NewStyle().Foreground(t.Live),
		MeterOff:  r.NewStyle().Foreground(t.Dim),
		Error:     r.NewStyle().Foreground(t.Error),
		User:      r.NewStyle().Bold(true).Foreground(t.Dim),
		Assistant: r.NewStyle().Bold(true).Foreground(t.Live),
		Help:      r.NewStyle().Foreground(t.Dim),
	}
}

// badgeText labels each status.
var badgeText = map[session.Status]string{
	session.StatusIdle:       "IDLE",
	session.StatusConnecting: "CONNECTING",
	session.StatusConnected:  "LIVE",
}

// Meter renders level in [0, 1] as a bar of width cells followed by a
// percentage.
func Meter(st Styles, level float64, width int) string {
	if width < 1 {
		width = 1
	}
	level = math.Max(0, math.Min(1, level))
	on := int(math.Round(level * float64(width)))
	bar := st.MeterOn.Render(strings.Repeat("█", on)) + st.MeterOff.Render(strings.Repeat("░", width-on))
	return fmt.Sprintf("▕%s▏%3d%%", bar, int(math.Round(level*100)))
}

// Status renders the one-line status view: badge, volume meter and, if the
// last session failed, the user-facing error message.
func Status(st Styles, snap session.Snapshot, meterWidth int) string {
	label, style := badgeText[snap.Status], st.Badge[snap.Status]
	if label == "" {
		label, style = strings.ToUpper(snap.Status.String()), st.Badge[session.StatusIdle]
	}
	line := style.Render(label) + " " + Meter(st, snap.Volume, meterWidth)
	if msg := session.UserMessage(snap.Err); msg != "" {
		line += "  " + st.Error.Render("✗ "+msg)
	}
	return line
}

// Transcript renders one finished transcript line.
func Transcript(st Styles, role s2s.Role, text string) string {
	if role == s2s.RoleUser {
		return st.User.Render("you") + "       " + text
	}
	return st.Assistant.Render("assistant") + " " + text
}
