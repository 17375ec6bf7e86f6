// Package segment splits long text into speakable chunks under a character budget.
//
// Boundaries are tried in order of preference: sentence terminals (and line
// breaks), clause punctuation, whitespace and finally single runes. Chunks are
// trimmed slices of the input; only whitespace at the split points is dropped.
package segment

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/errs"
)

// TextChunk is one slice of input text scheduled for synthesis.
type TextChunk struct {
	Index     int    `json:"index"`
	Content   string `json:"content"`
	CharCount int    `json:"char_count"`
	// Oversize marks an indivisible unit longer than the budget.
	Oversize bool `json:"oversize,omitempty"`
	// Start and End are byte offsets of Content in the original text.
	Start int `json:"start"`
	End   int `json:"end"`
}

// Span is a half-open byte range of the input.
type Span struct {
	Start int
	End   int
}

// ProtectFunc reports spans that must never be split.
type ProtectFunc func(text string) []Span

// NoProtect protects nothing.
func NoProtect(string) []Span { return nil }

type Options struct {
	MaxChars int
	// MinChars merges chunks shorter than this into a neighbour when the
	// result still fits MaxChars. Zero disables merging.
	MinChars int
	Protect  ProtectFunc
}

// Segment splits text into chunks of at most maxChars runes.
func Segment(text string, maxChars int) ([]TextChunk, error) {
	return Split(text, Options{MaxChars: maxChars})
}

// Split splits text according to opts.
func Split(text string, opts Options) ([]TextChunk, error) {
	if opts.MaxChars <= 0 {
		return nil, fmt.Errorf("max chars %d must be positive: %w", opts.MaxChars, errs.ErrInvalidInput)
	}
	start, end := trimBounds(text, 0, len(text))
	if start == end {
		return nil, fmt.Errorf("text is empty: %w", errs.ErrInvalidInput)
	}
	protect := opts.Protect
	if protect == nil {
		protect = NoProtect
	}
	s := &splitter{text: text, max: opts.MaxChars, protected: protect(text)}
	s.pack(start, end, levelSentence)
	if opts.MinChars > 0 {
		s.mergeShort(opts.MinChars)
	}
	for i := range s.chunks {
		s.chunks[i].Index = i
	}
	return s.chunks, nil
}

type level int

const (
	levelSentence level = iota
	levelClause
	levelWord
	levelRune
)

type splitter struct {
	text      string
	max       int
	protected []Span
	chunks    []TextChunk
}

// pack greedily groups the pieces of [start, end) at level l into chunks,
// descending a level for any single piece that exceeds the budget.
func (s *splitter) pack(start, end int, l level) {
	cuts := s.cuts(start, end, l)
	cur := start
	fill := start
	prev := start
	for _, cut := range append(cuts, end) {
		pieceStart := prev
		prev = cut
		if s.fits(cur, cut) {
			fill = cut
			continue
		}
		if fill > cur {
			s.emit(cur, fill, false)
			cur = fill
		}
		if s.fits(cur, cut) {
			fill = cut
			continue
		}
		// The piece alone is over budget.
		if l < levelRune {
			s.pack(pieceStart, cut, l+1)
		} else {
			s.emit(pieceStart, cut, true)
		}
		cur, fill = cut, cut
	}
	if fill > cur {
		s.emit(cur, fill, false)
	}
}

func (s *splitter) fits(start, end int) bool {
	a, b := trimBounds(s.text, start, end)
	return utf8.RuneCountInString(s.text[a:b]) <= s.max
}

func (s *splitter) emit(start, end int, oversize bool) {
	a, b := trimBounds(s.text, start, end)
	if a == b {
		return
	}
	content := s.text[a:b]
	count := utf8.RuneCountInString(content)
	s.chunks = append(s.chunks, TextChunk{
		Content:   content,
		CharCount: count,
		Oversize:  oversize && count > s.max,
		Start:     a,
		End:       b,
	})
}

// cuts returns the split positions inside (start, end) for level l.
func (s *splitter) cuts(start, end int, l level) []int {
	var out []int
	add := func(p int) {
		if p <= start || p >= end || s.inProtected(p) {
			return
		}
		if len(out) > 0 && out[len(out)-1] == p {
			return
		}
		out = append(out, p)
	}
	text := s.text
	switch l {
	case levelSentence, levelClause:
		for i := start; i < end; {
			r, size := utf8.DecodeRuneInString(text[i:])
			next := i + size
			if r == '\n' {
				add(i)
			} else if isBoundary(r, l) {
				j := skipClosers(text, next, end)
				if j >= end || startsWithSpace(text[j:end]) {
					add(j)
				}
			}
			i = next
		}
	case levelWord:
		inSpace := false
		for i, r := range text[start:end] {
			space := unicode.IsSpace(r)
			if space && !inSpace {
				add(start + i)
			}
			inSpace = space
		}
	case levelRune:
		for i := range text[start:end] {
			add(start + i)
		}
	}
	return out
}

func (s *splitter) inProtected(p int) bool {
	for _, span := range s.protected {
		if p > span.Start && p < span.End {
			return true
		}
	}
	return false
}

// mergeShort folds chunks shorter than min into the previous chunk, or the
// next one when the previous cannot take it, as long as the budget holds.
func (s *splitter) mergeShort(min int) {
	if len(s.chunks) < 2 {
		return
	}
	merged := make([]TextChunk, 0, len(s.chunks))
	for i := 0; i < len(s.chunks); i++ {
		c := s.chunks[i]
		if c.CharCount < min && !c.Oversize {
			if n := len(merged); n > 0 && !merged[n-1].Oversize && s.fits(merged[n-1].Start, c.End) {
				merged[n-1] = s.join(merged[n-1], c)
				continue
			}
			if i+1 < len(s.chunks) && !s.chunks[i+1].Oversize && s.fits(c.Start, s.chunks[i+1].End) {
				s.chunks[i+1] = s.join(c, s.chunks[i+1])
				continue
			}
		}
		merged = append(merged, c)
	}
	s.chunks = merged
}

func (s *splitter) join(a, b TextChunk) TextChunk {
	content := s.text[a.Start:b.End]
	return TextChunk{
		Content:   content,
		CharCount: utf8.RuneCountInString(content),
		Start:     a.Start,
		End:       b.End,
	}
}

func isBoundary(r rune, l level) bool {
	if l == levelSentence {
		return strings.ContainsRune(".!?…。！？", r)
	}
	return strings.ContainsRune(",;:—，；：", r)
}

// skipClosers advances past closing quotes and brackets that belong to the
// preceding terminator, e.g. `."` or `?)`.
func skipClosers(text string, i, end int) int {
	for i < end {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !strings.ContainsRune(`"')]}”’»`, r) && !isBoundary(r, levelSentence) {
			return i
		}
		i += size
	}
	return i
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func trimBounds(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}
