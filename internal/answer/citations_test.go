package answer

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSanitizeCitations(t *testing.T) {
	tests := []struct {
		name        string
		answer      string
		sources     int
		wantCleaned string
		wantRemoved []string
	}{
		{"all valid", "Le délai est de trois ans [Source-1] [Source-2].", 2, "Le délai est de trois ans [Source-1] [Source-2].", nil},
		{"out of range", "Voir [Source-3].", 2, "Voir .", []string{"[Source-3]"}},
		{"zero", "راجع [KB-0]", 1, "راجع ", []string{"[KB-0]"}},
		{"space separator", "[Juris 2] confirme", 2, "[Juris 2] confirme", nil},
		{"no sources", "[Source-1]", 0, "", []string{"[Source-1]"}},
		{"other brackets untouched", "[note] [Source-x]", 0, "[note] [Source-x]", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, removed := SanitizeCitations(tt.answer, tt.sources)
			assert.Equal(t, tt.wantCleaned, cleaned)
			assert.Equal(t, tt.wantRemoved, removed)
		})
	}
}

func TestCitations(t *testing.T) {
	assert.Equal(t, []int{2, 1}, Citations("[Source-2] puis [Source-1] et [Source-2] [Source-5]", 3))
}

func genAnswer(t *rapid.T) string {
	words := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) string {
		if rapid.Bool().Draw(t, "marker") {
			prefix := rapid.SampledFrom([]string{"Source-", "Source ", "Source", "KB-", "Juris-"}).Draw(t, "prefix")
			return "[" + prefix + strconv.Itoa(rapid.IntRange(0, 12).Draw(t, "n")) + "]"
		}
		return rapid.SampledFrom([]string{"العقد", "contrat", "الفصل", "nul", ".", "[note]"}).Draw(t, "word")
	}), 0, 30).Draw(t, "words")
	return strings.Join(words, " ")
}

func TestSanitizeCitationsNeverKeepsUnknownSources(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		answer := genAnswer(t)
		sources := rapid.IntRange(0, 8).Draw(t, "sources")

		cleaned, removed := SanitizeCitations(answer, sources)
		for _, m := range citationPattern.FindAllStringSubmatch(cleaned, -1) {
			n, _ := strconv.Atoi(m[2])
			if n < 1 || n > sources {
				t.Fatalf("kept %s with %d sources", m[0], sources)
			}
		}
		before := len(citationPattern.FindAllString(answer, -1))
		after := len(citationPattern.FindAllString(cleaned, -1))
		if before != after+len(removed) {
			t.Fatalf("markers before %d, after %d, removed %d", before, after, len(removed))
		}
	})
}

func TestStreamSanitizerMatchesBatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		answer := genAnswer(t)
		sources := rapid.IntRange(0, 8).Draw(t, "sources")
		cuts := rapid.SliceOfN(rapid.IntRange(0, len(answer)), 0, 10).Draw(t, "cuts")

		s := NewStreamSanitizer(sources)
		var out strings.Builder
		prev := 0
		for _, c := range cuts {
			if c < prev {
				continue
			}
			out.WriteString(s.Push(answer[prev:c]))
			prev = c
		}
		out.WriteString(s.Push(answer[prev:]))
		out.WriteString(s.Flush())

		want, removed := SanitizeCitations(answer, sources)
		if out.String() != want {
			t.Fatalf("stream %q, batch %q", out.String(), want)
		}
		if len(s.Removed()) != len(removed) {
			t.Fatalf("stream removed %v, batch removed %v", s.Removed(), removed)
		}
	})
}

func TestStreamSanitizerHoldsOpenBracket(t *testing.T) {
	s := NewStreamSanitizer(1)
	assert.Equal(t, "Selon ", s.Push("Selon [Sour"))
	assert.Equal(t, "", s.Push("ce-4"))
	assert.Equal(t, " le contrat", s.Push("] le contrat"))
	assert.Equal(t, []string{"[Source-4]"}, s.Removed())
	assert.Equal(t, "", s.Push("[1"))
	assert.Equal(t, "[1", s.Flush())
}
