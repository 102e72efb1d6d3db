package interview

import (
	"fmt"
	"strings"
)

const defaultMaxMinutes = 30

// BuildInstructions renders the session instructions for the realtime model.
func BuildInstructions(p Profile) string {
	var b strings.Builder
	role := strings.TrimSpace(p.JobTitle)
	if role == "" {
		role = "the open role"
	}
	fmt.Fprintf(&b, "You are a friendly, professional interviewer running a live voice interview for %s", role)
	if c := strings.TrimSpace(p.Company); c != "" {
		fmt.Fprintf(&b, " at %s", c)
	}
	b.WriteString(".\n")

	if name := strings.TrimSpace(p.CandidateName); name != "" {
		fmt.Fprintf(&b, "The candidate's name is %s.", name)
		if h := strings.TrimSpace(p.Headline); h != "" {
			fmt.Fprintf(&b, " Their background: %s.", h)
		}
		b.WriteString("\n")
	}
	if d := strings.TrimSpace(p.JobDescription); d != "" {
		fmt.Fprintf(&b, "Job description:\n%s\n", d)
	}

	questions := nonEmpty(p.Questions)
	if len(questions) > 0 {
		b.WriteString("Cover these questions in order, asking natural follow-ups when an answer is thin:\n")
		for i, q := range questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
	} else {
		b.WriteString("Ask about recent projects, technical depth in the role's core skills, and how the candidate collaborates.\n")
	}

	minutes := p.MaxMinutes
	if minutes <= 0 {
		minutes = defaultMaxMinutes
	}
	fmt.Fprintf(&b, "Keep the interview under %d minutes. ", minutes)
	b.WriteString("Ask one question at a time and keep each turn short; this is spoken audio, so never use lists or markdown. ")
	b.WriteString("If the candidate interrupts, stop and listen. ")
	b.WriteString("When every question is covered or the candidate asks to stop, thank them, tell them the team will follow up, and call the end_interview tool.")
	return b.String()
}

// FirstQuestionInstructions steers the opening response straight into the
// first question instead of small talk.
func FirstQuestionInstructions(p Profile) string {
	greeting := "Greet the candidate"
	if name := strings.TrimSpace(p.CandidateName); name != "" {
		greeting = fmt.Sprintf("Greet %s by name", name)
	}
	first := "ask them to walk you through a recent project they are proud of"
	if questions := nonEmpty(p.Questions); len(questions) > 0 {
		first = fmt.Sprintf("ask exactly this first question: %q", questions[0])
	}
	return fmt.Sprintf("%s in one short sentence, then %s. Do not ask how they are doing or offer generic pleasantries.", greeting, first)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
