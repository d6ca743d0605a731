package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/plan"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type busMsg bus.Event

type streamClosedMsg struct{}

func waitForEvent(ch <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return busMsg(ev)
	}
}

type stepState struct {
	tool    string
	status  plan.Status
	err     string
	attempt int
}

// ProgressModel is a bubbletea model that follows one execution through the
// "plan." bus events: layer events lay out the board, step events move steps
// through their statuses, and the execution finished event quits.
type ProgressModel struct {
	title  string
	events <-chan bus.Event

	execID      string
	layers      [][]string
	steps       map[string]*stepState
	feed        *ActivityFeed
	finished    bool
	status      string
	interrupted bool
	now         func() time.Time
}

// NewProgressModel creates a model reading from events, normally a
// subscription to bus.TopicPlanPrefix made before the execution starts.
func NewProgressModel(title string, events <-chan bus.Event) ProgressModel {
	return ProgressModel{
		title:  title,
		events: events,
		steps:  map[string]*stepState{},
		feed:   NewActivityFeed(),
		now:    time.Now,
	}
}

// Status is the final execution status, empty until the run finishes.
func (m ProgressModel) Status() string { return m.status }

// Interrupted reports whether the user quit before the run finished.
func (m ProgressModel) Interrupted() bool { return m.interrupted }

func (m ProgressModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.interrupted = !m.finished
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
		return m, nil
	case streamClosedMsg:
		return m, tea.Quit
	case busMsg:
		m = m.apply(bus.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m ProgressModel) step(id string) *stepState {
	st, ok := m.steps[id]
	if !ok {
		st = &stepState{status: plan.StatusPending}
		m.steps[id] = st
	}
	return st
}

func (m ProgressModel) apply(ev bus.Event) ProgressModel {
	switch p := ev.Payload.(type) {
	case bus.PlanEngineEvent:
		switch ev.Topic {
		case bus.TopicPlanLayerComputed:
			if p.Depth == 0 {
				m.layers = nil
			}
			for len(m.layers) <= p.Depth {
				m.layers = append(m.layers, nil)
			}
			m.layers[p.Depth] = p.StepIDs
			for _, id := range p.StepIDs {
				m.step(id)
			}
		case bus.TopicPlanStepReset:
			st := m.step(p.StepID)
			st.status, st.err, st.attempt = plan.StatusPending, "", 0
		}

	case bus.PlanExecutionEvent:
		if m.execID == "" {
			m.execID = p.ExecutionID
		}
		if p.ExecutionID != m.execID {
			return m
		}
		if ev.Topic == bus.TopicPlanExecutionFinished {
			m.finished = true
			m.status = p.Status
		}

	case bus.PlanStepEvent:
		if m.execID != "" && p.ExecutionID != m.execID {
			return m
		}
		st := m.step(p.StepID)
		if p.Tool != "" {
			st.tool = p.Tool
		}
		label := p.StepID + " " + st.tool
		switch ev.Topic {
		case bus.TopicPlanStepStarted:
			st.status, st.attempt = plan.StatusExecuting, 1
			m.feed.Add(ActivityItem{ID: p.StepID, Icon: plan.StatusExecuting.Icon(), Message: label, StartedAt: m.now()})
		case bus.TopicPlanStepRetrying:
			st.attempt = p.Attempt
			m.feed.Complete(p.StepID, plan.StatusFailed.Icon(), label+": "+humanError(p.Error))
			m.feed.Add(ActivityItem{
				ID:        p.StepID,
				Icon:      plan.StatusExecuting.Icon(),
				Message:   fmt.Sprintf("%s (attempt %d)", label, p.Attempt),
				StartedAt: m.now(),
			})
		case bus.TopicPlanStepCompleted:
			st.status, st.err = plan.StatusCompleted, ""
			m.feed.Complete(p.StepID, plan.StatusCompleted.Icon(), "")
		case bus.TopicPlanStepFailed:
			st.status, st.err = plan.StatusFailed, p.Error
			m.feed.Complete(p.StepID, plan.StatusFailed.Icon(), label+": "+humanError(p.Error))
		case bus.TopicPlanStepSkipped:
			st.status = plan.StatusSkipped
		}
	}
	return m
}

func (m ProgressModel) View() string {
	p := newPalette(true)
	var out strings.Builder

	header := m.title
	if header == "" {
		header = "plan"
	}
	if m.execID != "" {
		header += p.dim.Render("  " + m.execID)
	}
	out.WriteString(p.header.Render(header) + "\n\n")

	done, failed, total := 0, 0, 0
	for d, ids := range m.layers {
		var cells []string
		for _, id := range ids {
			st := m.steps[id]
			total++
			switch st.status {
			case plan.StatusCompleted:
				done++
			case plan.StatusFailed:
				failed++
			}
			cell := p.status(st.status).Render(st.status.Icon() + " " + id)
			if st.tool != "" {
				cell += " " + p.dim.Render(st.tool)
			}
			if st.attempt > 1 && st.status == plan.StatusExecuting {
				cell += p.warn.Render(fmt.Sprintf(" #%d", st.attempt))
			}
			cells = append(cells, cell)
		}
		out.WriteString(p.dim.Render(fmt.Sprintf("Layer %d ", d)) + strings.Join(cells, "   ") + "\n")
	}

	for _, ids := range m.layers {
		for _, id := range ids {
			if st := m.steps[id]; st.err != "" {
				out.WriteString(p.status(plan.StatusFailed).Render("  ✗ "+id+": "+humanError(st.err)) + "\n")
			}
		}
	}

	summary := fmt.Sprintf("\n%d/%d completed", done, total)
	if failed > 0 {
		summary += fmt.Sprintf(" · %d failed", failed)
	}
	out.WriteString(summary + "\n")
	if v := m.feed.View(); v != "" {
		out.WriteString("\n" + v)
	}

	switch {
	case m.finished:
		out.WriteString("\n" + lipgloss.NewStyle().Bold(true).Render("Finished: "+m.status) + "\n")
	default:
		out.WriteString(p.dim.Render("\nq to quit · a to toggle activity") + "\n")
	}
	return out.String()
}

// RunProgress shows m until the execution finishes, the user quits, or ctx
// is canceled, and returns the final model.
func RunProgress(ctx context.Context, m ProgressModel, out io.Writer) (ProgressModel, error) {
	p := tea.NewProgram(m, tea.WithOutput(out))

	type result struct {
		model tea.Model
		err   error
	}
	done := make(chan result, 1)
	go func() {
		final, err := p.Run()
		done <- result{final, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		p.Quit()
		r = <-done
	case r = <-done:
	}
	if final, ok := r.model.(ProgressModel); ok {
		m = final
	}
	if r.err != nil {
		return m, r.err
	}
	return m, ctx.Err()
}

// EventLine formats an event as one plain line for non-interactive output.
// Events that are not worth a line return false.
func EventLine(ev bus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case bus.PlanStepEvent:
		switch ev.Topic {
		case bus.TopicPlanStepStarted:
			return fmt.Sprintf("%s %s %s started", plan.StatusExecuting.Icon(), p.StepID, p.Tool), true
		case bus.TopicPlanStepCompleted:
			return fmt.Sprintf("%s %s %s completed in %s", plan.StatusCompleted.Icon(), p.StepID, p.Tool,
				time.Duration(p.DurationMs)*time.Millisecond), true
		case bus.TopicPlanStepFailed:
			return fmt.Sprintf("%s %s %s failed: %s", plan.StatusFailed.Icon(), p.StepID, p.Tool, p.Error), true
		case bus.TopicPlanStepRetrying:
			return fmt.Sprintf("↻ %s %s attempt %d after: %s", p.StepID, p.Tool, p.Attempt, p.Error), true
		case bus.TopicPlanStepSkipped:
			return fmt.Sprintf("%s %s %s skipped", plan.StatusSkipped.Icon(), p.StepID, p.Tool), true
		}
	case bus.PlanExecutionEvent:
		switch ev.Topic {
		case bus.TopicPlanExecutionStarted:
			return fmt.Sprintf("execution %s started (%s)", p.ExecutionID, p.PlanID), true
		case bus.TopicPlanExecutionFinished:
			return fmt.Sprintf("execution %s %s", p.ExecutionID, p.Status), true
		}
	case bus.PlanEngineEvent:
		if ev.Topic == bus.TopicPlanDependencyDangling {
			return "! " + p.Warning, true
		}
	}
	return "", false
}
