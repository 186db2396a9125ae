package assemble

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/studduoai/studduo/engine/domain"
)

func turn(role domain.Role, content string) domain.ConversationTurn {
	return domain.ConversationTurn{Role: role, Content: content, Timestamp: time.Unix(0, 0)}
}

func passage(id, source, text string, score float64) domain.RetrievalResult {
	return domain.RetrievalResult{
		Passage: domain.IndexedPassage{ID: id, SourceLabel: source, Text: text},
		Score:   score,
	}
}

func TestAssemble_EndToEndExample(t *testing.T) {
	history := []domain.ConversationTurn{
		turn(domain.RoleAssistant, "DNA is the molecule that carries genetic instructions."),
		turn(domain.RoleUser, "What is DNA?"),
	}
	retrieved := []domain.RetrievalResult{
		passage("bio.pdf_1", "bio.pdf", "DNA is a double helix.", 0.92),
		passage("gen.md_3", "gen.md", "Genes are segments of DNA.", 0.88),
		passage("chem.md_7", "chem.md", "Nucleotides contain a sugar.", 0.81),
	}

	got, err := New(DefaultOptions()).Assemble(history, retrieved, 10_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.HistoryWindow) != 2 || len(got.Passages) != 3 {
		t.Fatalf("expected 2 turns and 3 passages, got %d and %d", len(got.HistoryWindow), len(got.Passages))
	}
	if got.HistoryWindow[0].Role != domain.RoleAssistant {
		t.Errorf("history window should be most recent first")
	}
	for i, want := range []float64{0.92, 0.88, 0.81} {
		if got.Passages[i].Score != want {
			t.Errorf("passage %d score = %v, want %v", i, got.Passages[i].Score, want)
		}
	}
	if got.TotalCharBudget != 10_000 {
		t.Errorf("TotalCharBudget = %d", got.TotalCharBudget)
	}
}

func TestAssemble_HistoryTurnCap(t *testing.T) {
	var history []domain.ConversationTurn
	for i := 11; i >= 0; i-- {
		history = append(history, turn(domain.RoleUser, fmt.Sprintf("turn %d", i)))
	}
	got, err := New(DefaultOptions()).Assemble(history, nil, 10_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.HistoryWindow) != 8 {
		t.Fatalf("expected 8 turns, got %d", len(got.HistoryWindow))
	}
	if got.HistoryWindow[0].Content != "turn 11" || got.HistoryWindow[7].Content != "turn 4" {
		t.Errorf("wrong window: first=%q last=%q", got.HistoryWindow[0].Content, got.HistoryWindow[7].Content)
	}
}

func TestAssemble_DropsOldestHistoryThenLowestPassages(t *testing.T) {
	history := []domain.ConversationTurn{
		turn(domain.RoleUser, "newest question"),
		turn(domain.RoleAssistant, strings.Repeat("old answer ", 20)),
	}
	retrieved := []domain.RetrievalResult{
		passage("a_0", "a", "high", 0.9),
		passage("b_0", "b", strings.Repeat("low ", 50), 0.5),
		passage("c_0", "c", "tiny", 0.4),
	}

	// Room for the newest turn and the first passage only.
	budget := RenderedLen(domain.AssembledContext{
		HistoryWindow: history[:1],
		Passages:      retrieved[:1],
	})
	got, err := New(DefaultOptions()).Assemble(history, retrieved, budget)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.HistoryWindow) != 1 || got.HistoryWindow[0].Content != "newest question" {
		t.Errorf("expected only the newest turn, got %+v", got.HistoryWindow)
	}
	if len(got.Passages) != 1 || got.Passages[0].Passage.ID != "a_0" {
		t.Errorf("expected only the top passage, got %+v", got.Passages)
	}
	if n := RenderedLen(got); n > budget {
		t.Errorf("rendered %d > budget %d", n, budget)
	}
}

func TestAssemble_StopsAtFirstOversizedPassage(t *testing.T) {
	retrieved := []domain.RetrievalResult{
		passage("a_0", "a", "short", 0.9),
		passage("b_0", "b", strings.Repeat("x", 500), 0.8),
		passage("c_0", "c", "fits", 0.7),
	}
	got, err := New(DefaultOptions()).Assemble(nil, retrieved, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Passages) != 1 {
		t.Fatalf("expected allocation to stop at the oversized passage, got %d passages", len(got.Passages))
	}
}

func TestAssemble_SkipsBlankPassages(t *testing.T) {
	retrieved := []domain.RetrievalResult{
		passage("a_0", "a", "   ", 0.9),
		passage("b_0", "b", "content", 0.8),
	}
	got, err := New(DefaultOptions()).Assemble(nil, retrieved, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Passages) != 1 || got.Passages[0].Passage.ID != "b_0" {
		t.Fatalf("blank passage not skipped: %+v", got.Passages)
	}
}

func TestAssemble_ZeroAndNegativeBudget(t *testing.T) {
	a := New(DefaultOptions())
	got, err := a.Assemble([]domain.ConversationTurn{turn(domain.RoleUser, "hi")}, []domain.RetrievalResult{passage("a", "a", "x", 1)}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Empty() || Render(got) != "" {
		t.Errorf("zero budget should yield an empty context, got %+v", got)
	}

	if _, err := a.Assemble(nil, nil, -1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAssemble_ClipsTurns(t *testing.T) {
	a := New(Options{MaxHistoryTurns: 4, MaxTurnRunes: 5})
	got, err := a.Assemble([]domain.ConversationTurn{turn(domain.RoleUser, "photosynthesis")}, nil, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.HistoryWindow[0].Content != "photo..." {
		t.Errorf("clipped content = %q", got.HistoryWindow[0].Content)
	}
}

func TestAssemble_DoesNotMutateInput(t *testing.T) {
	history := []domain.ConversationTurn{turn(domain.RoleUser, "photosynthesis")}
	a := New(Options{MaxHistoryTurns: 4, MaxTurnRunes: 3})
	if _, err := a.Assemble(history, nil, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if history[0].Content != "photosynthesis" {
		t.Fatal("input history was mutated")
	}
}

func TestBudgetInvariant_Randomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := []string{"cell", "énergie", "光合作用", "ATP", "membrane", "🧬", "osmosis"}
	text := func() string {
		n := rng.Intn(40)
		parts := make([]string, n)
		for i := range parts {
			parts[i] = words[rng.Intn(len(words))]
		}
		return strings.Join(parts, " ")
	}

	a := New(DefaultOptions())
	for iter := 0; iter < 300; iter++ {
		var history []domain.ConversationTurn
		for i := rng.Intn(12); i > 0; i-- {
			role := domain.RoleUser
			if i%2 == 0 {
				role = domain.RoleAssistant
			}
			history = append(history, turn(role, text()))
		}
		var retrieved []domain.RetrievalResult
		score := 1.0
		for i := rng.Intn(8); i > 0; i-- {
			score -= rng.Float64() / 10
			retrieved = append(retrieved, passage(fmt.Sprintf("p%d", i), fmt.Sprintf("src%d.md", i), text(), score))
		}
		budget := rng.Intn(1500)

		got, err := a.Assemble(history, retrieved, budget)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := utf8.RuneCountInString(Render(got)); n > budget {
			t.Fatalf("iteration %d: rendered %d > budget %d", iter, n, budget)
		}
	}
}

func TestRender(t *testing.T) {
	c := domain.AssembledContext{
		HistoryWindow: []domain.ConversationTurn{
			turn(domain.RoleAssistant, "It is a molecule."),
			turn(domain.RoleUser, "What is DNA?"),
		},
		Passages: []domain.RetrievalResult{
			passage("a", "bio.pdf", "DNA is a double helix.", 0.9),
			passage("b", "", "Genes.", 0.8),
		},
	}
	want := "Course material:\n" +
		"From bio.pdf:\nDNA is a double helix." +
		"\n\n---\n\n" +
		"From Unknown:\nGenes." +
		"\n\n" +
		"Previous conversation:\n" +
		"USER: What is DNA?\n" +
		"ASSISTANT: It is a molecule."
	if got := Render(c); got != want {
		t.Errorf("Render mismatch\n got: %q\nwant: %q", got, want)
	}
	if Render(domain.AssembledContext{}) != "" {
		t.Error("empty context should render as empty string")
	}
}

func TestBuildPrompt(t *testing.T) {
	c := domain.AssembledContext{
		Passages: []domain.RetrievalResult{passage("a", "bio.pdf", "Cells divide.", 0.9)},
	}
	p := BuildPrompt(StyleQuiz, "  How do cells divide? ", c)
	for _, want := range []string{
		styleHints[StyleQuiz],
		"From bio.pdf:\nCells divide.",
		"Student's question:\nHow do cells divide?",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	p = BuildPrompt(Style("bogus"), "q", domain.AssembledContext{})
	if !strings.Contains(p, styleHints[StyleExplanation]) {
		t.Error("unknown style should fall back to explanation")
	}
	if !strings.Contains(p, "No course material was found") {
		t.Error("empty context should be called out")
	}
}

func TestParseStyle(t *testing.T) {
	cases := map[string]Style{
		"quiz":            StyleQuiz,
		" Problem_Solving": StyleProblemSolving,
		"":                StyleExplanation,
		"haiku":           StyleExplanation,
	}
	for in, want := range cases {
		if got := ParseStyle(in); got != want {
			t.Errorf("ParseStyle(%q) = %q, want %q", in, got, want)
		}
	}
}
