// Package tui renders plan layers and live execution progress in the
// terminal.
package tui

import (
	"fmt"
	"strings"

	"github.com/basket/plangraph/internal/plan"
	"github.com/charmbracelet/lipgloss"
)

var statusColors = map[plan.Status]lipgloss.Color{
	plan.StatusPending:   lipgloss.Color("252"),
	plan.StatusExecuting: lipgloss.Color("214"),
	plan.StatusCompleted: lipgloss.Color("42"),
	plan.StatusFailed:    lipgloss.Color("196"),
	plan.StatusSkipped:   lipgloss.Color("240"),
}

// palette holds the styles used by one render. Without color every style is
// plain so the output carries no escape sequences.
type palette struct {
	color  bool
	header lipgloss.Style
	dim    lipgloss.Style
	warn   lipgloss.Style
	box    lipgloss.Style
}

func newPalette(color bool) palette {
	p := palette{
		color:  color,
		header: lipgloss.NewStyle(),
		dim:    lipgloss.NewStyle(),
		warn:   lipgloss.NewStyle(),
		box:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
	if color {
		p.header = p.header.Bold(true).Foreground(lipgloss.Color("39"))
		p.dim = p.dim.Foreground(lipgloss.Color("240"))
		p.warn = p.warn.Foreground(lipgloss.Color("214"))
		p.box = p.box.BorderForeground(lipgloss.Color("238"))
	}
	return p
}

func (p palette) status(s plan.Status) lipgloss.Style {
	if !p.color {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(statusColors[s])
}

func (p palette) stepLine(s *plan.Step) string {
	return p.status(s.Status).Render(s.Status.Icon()+" "+s.ID) + " " + p.dim.Render(s.Tool)
}

// RenderLayers draws one bordered column per layer, left to right by depth,
// followed by the display edges and any dangling dependency warnings.
func RenderLayers(l *plan.Layering, color bool) string {
	p := newPalette(color)
	if l == nil || len(l.Layers) == 0 {
		return p.dim.Render("(empty plan)") + "\n"
	}

	arrow := p.dim.Render(" → ")
	var cols []string
	for i, layer := range l.Layers {
		lines := []string{p.header.Render(fmt.Sprintf("Layer %d", layer.Depth))}
		for _, s := range layer.Steps {
			lines = append(lines, p.stepLine(s))
		}
		if i > 0 {
			cols = append(cols, arrow)
		}
		cols = append(cols, p.box.Render(strings.Join(lines, "\n")))
	}

	var out strings.Builder
	out.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, cols...))
	out.WriteString("\n")

	if edges := l.Edges(); len(edges) > 0 {
		out.WriteString("\n" + p.header.Render("Edges") + "\n")
		for _, e := range edges {
			out.WriteString("  " + e.From + p.dim.Render(" → ") + e.To + "\n")
		}
	}
	if len(l.Dangling) > 0 {
		out.WriteString("\n" + p.warn.Render("Warnings") + "\n")
		for _, d := range l.Dangling {
			out.WriteString("  " + p.warn.Render("! "+d.Error()) + "\n")
		}
	}
	return out.String()
}
