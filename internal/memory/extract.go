package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
)

var decisionPattern = regexp.MustCompile(`(?i)decision|decided|chose|selected|will use`)

// extractDecisions records one decision per worker message that carries a
// structured key decision or whose thought trace uses decision language.
// Only phases with a recorded thought trace are considered. The newest max
// entries are kept.
func extractDecisions(phases []PhaseInfo, msgs []graph.Message, max int) []KeyDecision {
	var out []KeyDecision
	for _, p := range phases {
		if p.ThoughtTrace == "" {
			continue
		}
		for _, m := range msgs {
			if m.Phase != p.Number || m.Role != graph.RoleWorker || m.ThoughtTrace == "" {
				continue
			}
			decision := m.KeyDecision
			if decision == "" {
				if !decisionPattern.MatchString(m.ThoughtTrace) {
					continue
				}
				decision = truncate(m.Body, 100)
			}
			out = append(out, KeyDecision{
				MessageID: m.ID,
				Phase:     p.Number,
				Decision:  decision,
				Rationale: truncate(m.ThoughtTrace, 200),
				Timestamp: m.Timestamp,
			})
		}
	}
	return newest(out, max)
}

// phaseDigests builds one line per started phase from its first worker
// message and first decisive audit.
func phaseDigests(phases []PhaseInfo, msgs []graph.Message) map[int]string {
	out := make(map[int]string)
	for _, p := range phases {
		if p.Status == statusPending {
			continue
		}
		var worker, audit *graph.Message
		for i := range msgs {
			m := &msgs[i]
			if m.Phase != p.Number {
				continue
			}
			switch {
			case m.Role == graph.RoleWorker && worker == nil:
				worker = m
			case m.Role == graph.RoleAudit && audit == nil && decisive(m.Verdict):
				audit = m
			}
		}
		if worker == nil {
			continue
		}
		digest := fmt.Sprintf("Phase %d (%s): %s...", p.Number, p.Name, truncate(worker.Body, 150))
		if audit != nil {
			digest += " [" + truncate(audit.Body, 50) + "]"
		}
		out[p.Number] = digest
	}
	return out
}

func decisive(v capability.Verdict) bool {
	return v != "" && v != capability.VerdictPending
}

// extractCorrections pairs every revision carrying a change summary with
// its original message. The newest max entries are kept.
func extractCorrections(msgs []graph.Message, max int) []SelfCorrection {
	byID := make(map[string]graph.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var out []SelfCorrection
	for _, m := range msgs {
		if !m.IsRevision || m.OriginalMessageID == "" || m.Changes == "" {
			continue
		}
		original, ok := byID[m.OriginalMessageID]
		if !ok {
			continue
		}
		out = append(out, SelfCorrection{
			MessageID:         m.ID,
			Phase:             m.Phase,
			OriginalApproach:  truncate(original.Body, 200),
			Issue:             m.Changes,
			CorrectedApproach: truncate(m.Body, 200),
			Lesson:            fmt.Sprintf("Self-corrected in Phase %d: %s", m.Phase, m.Changes),
			Timestamp:         m.Timestamp,
		})
	}
	return newest(out, max)
}

// render assembles compressed context for phases before beforePhase.
func render(mem *TaskMemory, beforePhase int) string {
	if mem == nil {
		return ""
	}

	parts := []string{"Task Summary: " + mem.TaskSummary}

	for i := 1; i < beforePhase; i++ {
		if s, ok := mem.PhaseSummaries[i]; ok && s != "" {
			parts = append(parts, fmt.Sprintf("Phase %d Summary: %s", i, s))
		}
	}

	var decisions []string
	for _, d := range mem.KeyDecisions {
		if d.Phase < beforePhase {
			decisions = append(decisions, fmt.Sprintf("- %s: %s", d.Decision, d.Rationale))
		}
	}
	if len(decisions) > 0 {
		parts = append(parts, "Key Decisions:\n"+strings.Join(decisions, "\n"))
	}

	var lessons []string
	for _, c := range mem.SelfCorrections {
		if c.Phase < beforePhase {
			lessons = append(lessons, "- "+c.Lesson)
		}
	}
	if len(lessons) > 0 {
		parts = append(parts, "Lessons Learned:\n"+strings.Join(lessons, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

func newest[T any](items []T, max int) []T {
	if max > 0 && len(items) > max {
		return items[len(items)-max:]
	}
	return items
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// truncateWords cuts s to at most n whitespace separated words.
func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(words[:n], " ")
}
