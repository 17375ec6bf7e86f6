package segment

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"unicode"

	"github.com/loqalabs/loqa-narrator/internal/errs"
)

// sentence builds a sentence of exactly n bytes ending in a period.
func sentence(n int) string {
	var b strings.Builder
	for b.Len() < n-1 {
		if b.Len() > 0 && b.Len()%6 == 5 {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte('w')
	}
	s := strings.TrimRight(b.String(), " ")
	for len(s) < n-1 {
		s += "w"
	}
	return s + "."
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// checkCoverage asserts that chunks are ordered, trimmed slices of text
// separated only by whitespace.
func checkCoverage(t *testing.T, text string, chunks []TextChunk) {
	t.Helper()
	prev := 0
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if text[c.Start:c.End] != c.Content {
			t.Fatalf("chunk %d content does not match offsets", i)
		}
		if strings.TrimSpace(text[prev:c.Start]) != "" {
			t.Fatalf("non-whitespace dropped before chunk %d: %q", i, text[prev:c.Start])
		}
		prev = c.End
	}
	if strings.TrimSpace(text[prev:]) != "" {
		t.Fatalf("non-whitespace dropped at end: %q", text[prev:])
	}
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Content)
	}
	if stripSpace(joined.String()) != stripSpace(text) {
		t.Fatal("chunks do not reconstruct the text")
	}
}

func TestEmptyTextRejected(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		if _, err := Segment(text, 300); !errors.Is(err, errs.ErrInvalidInput) {
			t.Fatalf("Segment(%q) expected invalid input, got %v", text, err)
		}
	}
	if _, err := Segment("hello", 0); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero budget, got %v", err)
	}
}

func TestShortTextSingleChunk(t *testing.T) {
	chunks, err := Segment("  Hello there. How are you?  ", 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Content != "Hello there. How are you?" || chunks[0].CharCount != 25 {
		t.Fatalf("unexpected chunk %+v", chunks[0])
	}
}

func TestSentenceBoundariesPreferred(t *testing.T) {
	text := strings.Join([]string{sentence(49), sentence(49), sentence(49)}, " ")
	chunks, err := Segment(text, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].CharCount != 99 || chunks[1].CharCount != 49 {
		t.Fatalf("unexpected sizes %d, %d", chunks[0].CharCount, chunks[1].CharCount)
	}
	for _, c := range chunks {
		if !strings.HasSuffix(c.Content, ".") {
			t.Fatalf("chunk not cut at a sentence end: %q", c.Content)
		}
	}
	checkCoverage(t, text, chunks)
}

func TestSixHundredFiftyCharsMakeThreeChunks(t *testing.T) {
	parts := make([]string, 0, 13)
	for i := 0; i < 12; i++ {
		parts = append(parts, sentence(49))
	}
	parts = append(parts, sentence(50))
	text := strings.Join(parts, " ")
	if len(text) != 650 {
		t.Fatalf("fixture has %d chars", len(text))
	}
	chunks, err := Segment(text, 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	checkCoverage(t, text, chunks)
}

func TestClauseThenWordThenRune(t *testing.T) {
	clauses := "alpha beta gamma, delta epsilon zeta; eta theta iota: kappa lambda mu"
	chunks, err := Segment(clauses, 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(chunks[0].Content, ",") && !strings.HasSuffix(chunks[0].Content, ";") {
		t.Fatalf("expected clause cut, got %q", chunks[0].Content)
	}
	checkCoverage(t, clauses, chunks)

	words := "one two three four five six seven eight nine ten"
	chunks, err = Segment(words, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range chunks {
		if c.CharCount > 10 {
			t.Fatalf("chunk over budget: %q", c.Content)
		}
		if strings.HasPrefix(c.Content, " ") || strings.HasSuffix(c.Content, " ") {
			t.Fatalf("chunk not trimmed: %q", c.Content)
		}
	}
	checkCoverage(t, words, chunks)

	long := "Supercalifragilisticexpialidocious"
	chunks, err = Segment(long, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 4 || chunks[0].Content != "Supercalif" {
		t.Fatalf("unexpected rune split: %+v", chunks)
	}
	checkCoverage(t, long, chunks)
}

func TestRuneBudgetCountsRunes(t *testing.T) {
	text := strings.Repeat("é", 25)
	chunks, err := Segment(text, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 || chunks[0].CharCount != 10 || chunks[2].CharCount != 5 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	checkCoverage(t, text, chunks)
}

func TestProtectedSpanPassesThroughWhole(t *testing.T) {
	token := "https://example.com/a/very/long/path/that/must/stay/together"
	text := "Visit " + token + " today."
	protect := func(s string) []Span {
		i := strings.Index(s, token)
		return []Span{{Start: i, End: i + len(token)}}
	}
	chunks, err := Split(text, Options{MaxChars: 20, Protect: protect})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var found bool
	for _, c := range chunks {
		if c.Content == token {
			found = true
			if !c.Oversize {
				t.Fatal("expected oversize flag on protected token")
			}
			continue
		}
		if c.CharCount > 20 || c.Oversize {
			t.Fatalf("unexpected chunk %+v", c)
		}
	}
	if !found {
		t.Fatalf("protected token was split: %+v", chunks)
	}
	checkCoverage(t, text, chunks)
}

func TestMinCharsMergesShortTail(t *testing.T) {
	text := strings.Repeat("a", 22) + "b. Yes."
	plain, err := Split(text, Options{MaxChars: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plain) != 3 {
		t.Fatalf("expected 3 chunks without merging, got %+v", plain)
	}

	chunks, err := Split(text, Options{MaxChars: 20, MinChars: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected short chunks merged, got %+v", chunks)
	}
	if chunks[1].Content != "aab. Yes." || chunks[1].CharCount != 9 || chunks[1].Index != 1 {
		t.Fatalf("unexpected merged chunk %+v", chunks[1])
	}
	checkCoverage(t, text, chunks)
}

func TestDeterministicAndWithinBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"a", "b", "c", " ", " ", ".", ",", ";", "!", "?", "\n", "é", "—", "\""}
	for round := 0; round < 200; round++ {
		var b strings.Builder
		n := 1 + rng.Intn(800)
		for i := 0; i < n; i++ {
			b.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		text := b.String()
		max := 1 + rng.Intn(120)
		first, err := Segment(text, max)
		if strings.TrimSpace(text) == "" {
			if !errors.Is(err, errs.ErrInvalidInput) {
				t.Fatalf("expected invalid input for blank text, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, _ := Segment(text, max)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("segmentation not deterministic for %q", text)
		}
		for _, c := range first {
			if c.CharCount > max {
				t.Fatalf("chunk of %d runes exceeds budget %d", c.CharCount, max)
			}
		}
		checkCoverage(t, text, first)
	}
}
