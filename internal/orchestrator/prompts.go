package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
)

// workerInput is everything the worker sees for a phase turn.
type workerInput struct {
	Description string
	Phase       Phase
	Previous    []Phase
	Feedback    string
	Questions   []string
	Memory      string
	Thinking    []capability.ThinkingTrace
}

func workerPrompt(in workerInput) string {
	var b strings.Builder
	b.WriteString("You are a Worker Agent executing a long-running, multi-phase task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", in.Description)
	fmt.Fprintf(&b, "Current Phase: %d - %s\n", in.Phase.Number, in.Phase.Name)

	if len(in.Previous) > 0 {
		b.WriteString("\nPrevious Phases:\n")
		for _, p := range in.Previous {
			trace := p.ThoughtTrace
			if trace == "" {
				trace = "Completed"
			}
			fmt.Fprintf(&b, "Phase %d (%s): %s\n", p.Number, p.Name, trace)
		}
	}
	if in.Memory != "" {
		fmt.Fprintf(&b, "\nLong-term memory:\n%s\n", in.Memory)
	}
	if len(in.Thinking) > 0 {
		b.WriteString("\nPlanning notes:\n")
		for _, t := range in.Thinking {
			fmt.Fprintf(&b, "[%s] %s\n", t.Level, t.Reasoning)
			for _, d := range t.KeyDecisions {
				fmt.Fprintf(&b, "  - %s\n", d)
			}
		}
	}
	if in.Feedback != "" {
		fmt.Fprintf(&b, "\nFeedback from other agents:\n%s\n", in.Feedback)
	}
	if len(in.Questions) > 0 {
		b.WriteString("\nPending questions from Code Review that you must answer:\n")
		for i, q := range in.Questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
	}

	b.WriteString("\nProduce your internal reasoning for this phase as thoughtTrace and a progress update as text. ")
	b.WriteString("Incorporate any review suggestions and questions. ")
	b.WriteString("If you commit to a significant decision, state it in keyDecision.")
	return b.String()
}

func answerPrompt(description string, phase Phase, question, trace string, recent []graph.Message) string {
	var b strings.Builder
	b.WriteString("You are a Worker Agent. The Code Review Agent has asked you a question.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", description)
	fmt.Fprintf(&b, "Current Phase: %s\n", phase.Name)
	fmt.Fprintf(&b, "Your Thought Trace: %s\n", trace)
	fmt.Fprintf(&b, "Question from Code Review: %s\n", question)
	writeConversation(&b, recent, 6)
	b.WriteString("\nAnswer the question directly and show how you will incorporate it into your work. ")
	b.WriteString("Return text and, if your reasoning changed, an updated thoughtTrace.")
	return b.String()
}

func criticPrompt(description string, phase Phase, trace string, current []graph.Message) string {
	var b strings.Builder
	b.WriteString("You are a Code Review Agent monitoring a Worker Agent.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", description)
	fmt.Fprintf(&b, "Current Phase: %s\n", phase.Name)
	fmt.Fprintf(&b, "Worker's Thought Trace: %s\n", trace)
	writeConversation(&b, current, 5)
	b.WriteString("\nReview the worker's reasoning for quality, edge cases and improvements. ")
	b.WriteString("Return your feedback, a list of concrete suggestions (empty if none), ")
	b.WriteString("and a clarifying question only if you need one.")
	return b.String()
}

func revisionPrompt(description string, phase Phase, output, trace, feedback string, items []string) string {
	var b strings.Builder
	b.WriteString("You are a Worker Agent revising your output after code review.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", description)
	fmt.Fprintf(&b, "Current Phase: %s\n", phase.Name)
	fmt.Fprintf(&b, "Original Output: %s\n", output)
	fmt.Fprintf(&b, "Original Thought Trace: %s\n", trace)
	fmt.Fprintf(&b, "Code Review Feedback: %s\n", feedback)
	b.WriteString("Suggestions:\n")
	for i, s := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\nReturn revisedOutput, revisedThoughtTrace and a short summary of changes.")
	return b.String()
}

func auditPrompt(description string, phase Phase, trace, feedback string) string {
	var b strings.Builder
	b.WriteString("You are the Audit gate for an autonomous agent pipeline.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", description)
	fmt.Fprintf(&b, "Phase: %s\n", phase.Name)
	fmt.Fprintf(&b, "Worker's Thought Trace: %s\n", trace)
	if feedback != "" {
		fmt.Fprintf(&b, "Code Review Feedback: %s\n", feedback)
	}
	b.WriteString("\nAudit the thought trace for logical fallacies, lazy reasoning, hallucination and overall quality. ")
	fmt.Fprintf(&b, "Return a verdict (one of %s), an analysis and a score from 0 to 100.",
		strings.Join([]string{
			string(capability.VerdictVerified),
			string(capability.VerdictRejected),
			string(capability.VerdictHallucinationDetected),
			string(capability.VerdictLazyReasoning),
		}, ", "))
	return b.String()
}

// writeConversation appends the last n worker and review turns.
func writeConversation(b *strings.Builder, msgs []graph.Message, n int) {
	var lines []string
	for _, m := range msgs {
		if m.Role == graph.RoleWorker || m.Role == graph.RoleCodeReview {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Body))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) > 0 {
		fmt.Fprintf(b, "Recent Conversation:\n%s\n", strings.Join(lines, "\n"))
	}
}
