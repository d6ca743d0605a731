package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ActivityItem is one step attempt in the activity feed.
type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed keeps the most recent step attempts, newest last. It is owned
// by the bubbletea model and is not safe for concurrent use.
type ActivityFeed struct {
	items     []ActivityItem
	collapsed bool
	maxItems  int
	now       func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 8, now: time.Now}
}

// Add appends an item, dropping the oldest beyond the cap. A running item
// with the same id is replaced so a retried step shows once.
func (f *ActivityFeed) Add(item ActivityItem) {
	for i := range f.items {
		if f.items[i].ID == item.ID && f.items[i].DoneAt == nil {
			f.items[i] = item
			return
		}
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// Complete marks the latest running item with id as done.
func (f *ActivityFeed) Complete(id, icon, message string) {
	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i].ID == id && f.items[i].DoneAt == nil {
			now := f.now()
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			if message != "" {
				f.items[i].Message = message
			}
			return
		}
	}
}

func (f *ActivityFeed) Toggle() {
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	return len(f.items)
}

func (f *ActivityFeed) View() string {
	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent steps (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(time.Millisecond))
		} else {
			line += fmt.Sprintf(" (%s)", f.now().Sub(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
