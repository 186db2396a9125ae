// Package assemble builds the bounded context handed to the generation
// backend from recent conversation turns and retrieved passages.
//
// The size of a context is the number of Unicode code points in Render's
// output. Assemble never returns a context whose rendering exceeds the
// requested budget: it drops the oldest turns first, then the lowest-scored
// passages, and never cuts an item in half.
package assemble

import (
	"strings"
	"unicode/utf8"

	"github.com/studduoai/studduo/engine/domain"
)

// Section headers and separators used by Render.
const (
	passagesHeader   = "Course material:\n"
	historyHeader    = "Previous conversation:\n"
	sectionSep       = "\n\n"
	passageSep       = "\n\n---\n\n"
	truncationSuffix = "..."
)

// Options configures the assembler.
type Options struct {
	// MaxHistoryTurns caps how many recent turns are considered.
	MaxHistoryTurns int
	// MaxTurnRunes clips each turn's content before budgeting. Zero disables clipping.
	MaxTurnRunes int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{MaxHistoryTurns: 8}
}

// Assembler packs history and passages into a character budget.
type Assembler struct {
	opts Options
}

// New creates an Assembler.
func New(opts Options) *Assembler {
	if opts.MaxHistoryTurns < 0 {
		opts.MaxHistoryTurns = 0
	}
	return &Assembler{opts: opts}
}

// Assemble selects turns and passages that fit charBudget.
//
// history is ordered most recent first. retrieved is expected in descending
// score order; passages with blank text are skipped.
func (a *Assembler) Assemble(history []domain.ConversationTurn, retrieved []domain.RetrievalResult, charBudget int) (domain.AssembledContext, error) {
	if err := domain.ValidateCharBudget(charBudget); err != nil {
		return domain.AssembledContext{}, err
	}

	out := domain.AssembledContext{
		HistoryWindow:   []domain.ConversationTurn{},
		Passages:        []domain.RetrievalResult{},
		TotalCharBudget: charBudget,
	}

	for _, turn := range a.window(history) {
		out.HistoryWindow = append(out.HistoryWindow, turn)
		if RenderedLen(out) > charBudget {
			out.HistoryWindow = out.HistoryWindow[:len(out.HistoryWindow)-1]
			break
		}
	}

	for _, r := range retrieved {
		if strings.TrimSpace(r.Passage.Text) == "" {
			continue
		}
		out.Passages = append(out.Passages, r)
		if RenderedLen(out) > charBudget {
			out.Passages = out.Passages[:len(out.Passages)-1]
			break
		}
	}
	return out, nil
}

// window returns up to MaxHistoryTurns of the latest turns, most recent first.
func (a *Assembler) window(history []domain.ConversationTurn) []domain.ConversationTurn {
	n := min(len(history), a.opts.MaxHistoryTurns)
	turns := make([]domain.ConversationTurn, 0, n)
	for _, t := range history[:n] {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		t.Content = clip(t.Content, a.opts.MaxTurnRunes)
		turns = append(turns, t)
	}
	return turns
}

func clip(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes]) + truncationSuffix
}

// Render produces the canonical text of an assembled context. Passages come
// first in score order, then the history window oldest first. Empty sections
// are omitted; an empty context renders as "".
func Render(c domain.AssembledContext) string {
	var sections []string

	if len(c.Passages) > 0 {
		parts := make([]string, len(c.Passages))
		for i, r := range c.Passages {
			parts[i] = "From " + sourceName(r.Passage) + ":\n" + r.Passage.Text
		}
		sections = append(sections, passagesHeader+strings.Join(parts, passageSep))
	}

	if len(c.HistoryWindow) > 0 {
		var b strings.Builder
		b.WriteString(historyHeader)
		for i := len(c.HistoryWindow) - 1; i >= 0; i-- {
			t := c.HistoryWindow[i]
			b.WriteString(strings.ToUpper(string(t.Role)))
			b.WriteString(": ")
			b.WriteString(t.Content)
			if i > 0 {
				b.WriteByte('\n')
			}
		}
		sections = append(sections, b.String())
	}

	return strings.Join(sections, sectionSep)
}

// RenderedLen returns the size of Render(c) in code points.
func RenderedLen(c domain.AssembledContext) int {
	return utf8.RuneCountInString(Render(c))
}

func sourceName(p domain.IndexedPassage) string {
	if p.SourceLabel == "" {
		return "Unknown"
	}
	return p.SourceLabel
}
