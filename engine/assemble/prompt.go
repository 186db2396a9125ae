package assemble

import (
	"fmt"
	"strings"

	"github.com/studduoai/studduo/engine/domain"
)

// Style selects how the tutor should shape its answer.
type Style string

const (
	StyleExplanation    Style = "explanation"
	StylePlan           Style = "plan"
	StyleExample        Style = "example"
	StyleSummary        Style = "summary"
	StyleProblemSolving Style = "problem_solving"
	StyleQuiz           Style = "quiz"
)

var styleHints = map[Style]string{
	StyleExplanation:    "Give a clear, steadily paced explanation that builds intuition.",
	StylePlan:           "Lay out a concise plan or set of steps the student can follow next.",
	StyleExample:        "Provide a worked example that illustrates the idea without overlong setup.",
	StyleSummary:        "Summarize the key points crisply; avoid new tangents.",
	StyleProblemSolving: "Show the reasoning path to solve the problem, step by step.",
	StyleQuiz:           "Ask 2-3 short check-yourself questions with brief answers after each.",
}

// ParseStyle maps a style name to a Style, falling back to StyleExplanation.
func ParseStyle(s string) Style {
	st := Style(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := styleHints[st]; ok {
		return st
	}
	return StyleExplanation
}

const promptTemplate = `You are a patient tutor helping a student understand their own course material.
Answer in plain language, start from the simplest accurate framing and build on it.
If the student is only greeting you or chatting, reply briefly and do not bring up course topics.
When the material below does not cover the question, say so instead of guessing.

Requested response style: %s

%s

Student's question:
%s`

// BuildPrompt renders the generation prompt for query using an assembled context.
func BuildPrompt(style Style, query string, c domain.AssembledContext) string {
	hint, ok := styleHints[style]
	if !ok {
		hint = styleHints[StyleExplanation]
	}
	body := Render(c)
	if body == "" {
		body = "No course material was found for this question."
	}
	return fmt.Sprintf(promptTemplate, hint, body, strings.TrimSpace(query))
}
