package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/marathon/internal/events"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	marathonhttp "github.com/fyrsmithlabs/marathon/internal/http"
	"github.com/fyrsmithlabs/marathon/internal/memory"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

var (
	// Section title style - bold bright cyan
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Dim style - ids, timestamps, thought traces
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	verifiedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	rejectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// statusStyle picks a style for a task or phase status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(orchestrator.TaskCompleted), string(orchestrator.PhaseVerified):
		return verifiedStyle
	case string(orchestrator.TaskInProgress):
		return activeStyle
	case string(orchestrator.TaskFailed), string(orchestrator.PhaseRejected):
		return rejectedStyle
	default:
		return pendingStyle
	}
}

func renderStatus(s string) string {
	return statusStyle(s).Render(s)
}

func roleStyle(role graph.Role) lipgloss.Style {
	switch role {
	case graph.RoleWorker:
		return labelStyle
	case graph.RoleCodeReview:
		return activeStyle
	default:
		return titleStyle
	}
}

// renderTask draws a task with its phase pipeline.
func renderTask(t *orchestrator.Task, archived bool) string {
	var b strings.Builder
	title := t.Description
	if archived {
		title += dimStyle.Render(" (archived)")
	}
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(title))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("ID:"), dimStyle.Render(t.ID))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:"), renderStatus(string(t.Status)))
	if t.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Error:"), rejectedStyle.Render(t.Error))
	}
	b.WriteString("\n")
	for _, p := range t.Phases {
		b.WriteString(renderPhase(p, p.Number == t.CurrentPhase && t.Status == orchestrator.TaskInProgress))
		b.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderPhase(p orchestrator.Phase, current bool) string {
	marker := "  "
	if current {
		marker = activeStyle.Render("> ")
	}
	line := fmt.Sprintf("%s%d. %-16s %s", marker, p.Number, p.Name, renderStatus(string(p.Status)))
	if p.Score != nil {
		line += dimStyle.Render(fmt.Sprintf(" (%d/100)", *p.Score))
	}
	if p.Retried {
		line += dimStyle.Render(" retried")
	}
	return line
}

// renderTaskList draws one line per task followed by the status counts.
func renderTaskList(resp *marathonhttp.TaskListResponse) string {
	if len(resp.Tasks) == 0 {
		return dimStyle.Render("No tasks")
	}
	var b strings.Builder
	for _, t := range resp.Tasks {
		fmt.Fprintf(&b, "%s  %-11s  %s\n", dimStyle.Render(t.ID), renderStatus(string(t.Status)), t.Description)
	}
	b.WriteString(renderCounts(resp.Counts))
	return b.String()
}

func renderCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", renderStatus(k), counts[k]))
	}
	return strings.Join(parts, dimStyle.Render(" | "))
}

// renderServerStatus draws the /api/v1/status reply.
func renderServerStatus(s *marathonhttp.StatusResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", labelStyle.Render("Server:"), renderHealth(s.Status))
	if s.Version != "" {
		b.WriteString(dimStyle.Render(" " + s.Version))
	}
	b.WriteString("\n")

	services := make([]string, 0, len(s.Services))
	for name := range s.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		fmt.Fprintf(&b, "  %-12s %s\n", name, renderHealth(s.Services[name]))
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Tasks:"), renderCounts(s.Tasks))
	fmt.Fprintf(&b, "%s %d", labelStyle.Render("Messages:"), s.Messages)
	return b.String()
}

func renderHealth(s string) string {
	if s == "ok" {
		return verifiedStyle.Render("● " + s)
	}
	return rejectedStyle.Render("✗ " + s)
}

// renderMessages draws a transcript grouped by phase.
func renderMessages(msgs []graph.Message, traces bool) string {
	if len(msgs) == 0 {
		return dimStyle.Render("No messages")
	}
	var b strings.Builder
	phase := 0
	for _, m := range msgs {
		if m.Phase != phase {
			phase = m.Phase
			fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("Phase %d", phase)))
		}
		b.WriteString(renderMessage(m, traces))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMessage(m graph.Message, traces bool) string {
	header := roleStyle(m.Role).Render(string(m.Role))
	if m.IsRevision {
		header += activeStyle.Render(" revision")
	}
	if m.Verdict != "" {
		header += " " + renderStatus(string(m.Verdict))
	}
	header += dimStyle.Render(" " + m.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", header)
	for _, line := range strings.Split(m.Body, "\n") {
		fmt.Fprintf(&b, "    %s\n", line)
	}
	if traces && m.ThoughtTrace != "" {
		fmt.Fprintf(&b, "    %s\n", dimStyle.Render("thought: "+m.ThoughtTrace))
	}
	return b.String()
}

// renderMemory draws the task memory and its compressed context.
func renderMemory(resp *marathonhttp.MemoryResponse) string {
	var b strings.Builder
	mem := resp.Memory
	if mem == nil {
		mem = &memory.TaskMemory{}
	}
	fmt.Fprintf(&b, "%s\n%s\n\n", titleStyle.Render("Summary"), mem.TaskSummary)

	if len(mem.KeyDecisions) > 0 {
		fmt.Fprintf(&b, "%s\n", titleStyle.Render("Key Decisions"))
		for _, d := range mem.KeyDecisions {
			fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("[Phase %d]", d.Phase)), d.Decision)
		}
		b.WriteString("\n")
	}
	if len(mem.SelfCorrections) > 0 {
		fmt.Fprintf(&b, "%s\n", titleStyle.Render("Lessons"))
		for _, c := range mem.SelfCorrections {
			fmt.Fprintf(&b, "  %s\n", c.Lesson)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s\n%s", titleStyle.Render("Compressed Context"), dimStyle.Render(resp.CompressedContext))
	return b.String()
}

// renderEnvelope draws one streamed event as a single line.
func renderEnvelope(env events.Envelope) string {
	switch {
	case env.Message != nil:
		m := env.Message
		line := fmt.Sprintf("[Phase %d] %s", m.Phase, roleStyle(m.Role).Render(string(m.Role)))
		if m.Verdict != "" {
			line += " " + renderStatus(string(m.Verdict))
		}
		return line + " " + firstLine(m.Body)
	case env.Event != nil:
		ev := env.Event
		if env.Type == events.TypePhase {
			return fmt.Sprintf("%s %d. %s %s", labelStyle.Render("phase"), ev.Phase, ev.PhaseName, renderStatus(ev.Status))
		}
		line := fmt.Sprintf("%s %s %d%%", labelStyle.Render("task"), renderStatus(ev.Status), ev.Percentage)
		if ev.Message != "" {
			line += dimStyle.Render(" " + ev.Message)
		}
		return line
	default:
		return dimStyle.Render(env.Type)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + dimStyle.Render(" ...")
	}
	return s
}
