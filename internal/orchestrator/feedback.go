package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
)

// priorFeedback collects critic feedback and non-verified audit notes from
// phases strictly before phase, plus the questions the critic left open
// there.
func priorFeedback(msgs []graph.Message, phase int) (string, []string) {
	var review, audits, questions []string
	for _, m := range msgs {
		if m.Phase >= phase {
			continue
		}
		switch m.Role {
		case graph.RoleCodeReview:
			if m.IsQuestion() {
				q := strings.TrimPrefix(m.Body, graph.QuestionPrefix)
				review = append(review, "Code Review Question: "+q)
				questions = append(questions, q)
				continue
			}
			review = append(review, "Code Review Feedback: "+m.Body)
		case graph.RoleAudit:
			if !auditVerified(m) {
				audits = append(audits, "Audit Note: "+m.Body)
			}
		}
	}
	return joinNonEmpty("\n\n", strings.Join(review, "\n"), strings.Join(audits, "\n")), questions
}

// auditVerified uses the structured verdict and falls back to the verdict
// line for audits recorded without one.
func auditVerified(m graph.Message) bool {
	if m.Verdict != "" {
		return m.Verdict == capability.VerdictVerified
	}
	return strings.Contains(m.Body, string(capability.VerdictVerified))
}

// retryFeedback foregrounds the rejection reason for the retry turn.
func retryFeedback(audit capability.AuditOutput, criticFeedback string, current []graph.Message) string {
	var reviews []string
	for _, m := range current {
		if m.Role == graph.RoleCodeReview {
			reviews = append(reviews, m.Body)
		}
	}
	return joinNonEmpty("\n\n",
		fmt.Sprintf("Previous attempt was %s. %s", audit.Verdict, audit.Analysis),
		criticFeedback,
		strings.Join(reviews, "\n"),
	)
}

// openQuestions returns the critic questions among msgs without their
// marker.
func openQuestions(msgs []graph.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.IsQuestion() {
			out = append(out, strings.TrimPrefix(m.Body, graph.QuestionPrefix))
		}
	}
	return out
}

// suggestions returns the critic's actionable suggestions. A structured
// suggestions array wins, even when empty; otherwise every non-empty,
// non-question feedback line counts.
func suggestions(review capability.CriticOutput) []string {
	lines := review.Suggestions
	if !review.HasSuggestions {
		lines = strings.Split(review.Feedback, "\n")
	}
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || (!review.HasSuggestions && strings.Contains(line, "Question:")) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// criticQuestion returns the question the critic posed, preferring the
// structured field over a "Question:" line in the feedback.
func criticQuestion(review capability.CriticOutput) string {
	if q := strings.TrimSpace(review.Question); q != "" {
		return q
	}
	for _, line := range strings.Split(review.Feedback, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Question:"); ok {
			if q := strings.TrimSpace(rest); q != "" {
				return q
			}
		}
	}
	return ""
}

// verdictText renders the audit message headline.
func verdictText(audit capability.AuditOutput, retry bool) string {
	var head string
	switch {
	case audit.Verdict == capability.VerdictVerified && retry:
		head = fmt.Sprintf("✓ VERIFIED after correction (Score: %d/100)", audit.Score)
	case audit.Verdict == capability.VerdictVerified:
		head = fmt.Sprintf("✓ VERIFIED (Score: %d/100)", audit.Score)
	case retry:
		head = fmt.Sprintf("✗ Still %s (Score: %d/100)", audit.Verdict, audit.Score)
	default:
		head = fmt.Sprintf("✗ %s (Score: %d/100)", audit.Verdict, audit.Score)
	}
	return head + "\n" + audit.Analysis
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
