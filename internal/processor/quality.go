package processor

import (
	"math"
	"strings"
	"unicode"
)

// QualityReport breaks down the heuristic quality score
type QualityReport struct {
	Score       float64  `json:"score"`
	Length      float64  `json:"length"`
	Structure   float64  `json:"structure"`
	References  float64  `json:"references"`
	Cleanliness float64  `json:"cleanliness"`
	Issues      []string `json:"issues,omitempty"`
}

const (
	minUsefulLength = 200
	goodLength      = 3000
)

// ScoreQuality rates a text in [0,1] from its length, article structure, density of legal
// references, and the share of characters that look like extraction noise.
func ScoreQuality(text string) QualityReport {
	var r QualityReport
	n := len([]rune(text))

	switch {
	case n < minUsefulLength:
		r.Length = float64(n) / minUsefulLength * 0.5
		r.Issues = append(r.Issues, "text too short")
	case n >= goodLength:
		r.Length = 1
	default:
		r.Length = 0.5 + 0.5*float64(n-minUsefulLength)/float64(goodLength-minUsefulLength)
	}

	headers := len(sectionHeaderRe.FindAllStringIndex(text, -1))
	paragraphs := strings.Count(text, "\n\n") + 1
	switch {
	case headers > 0:
		r.Structure = math.Min(1, 0.6+0.1*float64(headers))
	case paragraphs > 3:
		r.Structure = 0.5
	default:
		r.Structure = 0.2
		r.Issues = append(r.Issues, "no article or paragraph structure")
	}

	refs := len(ExtractCitations(text))
	perK := float64(refs) / math.Max(1, float64(n)/1000)
	r.References = math.Min(1, 0.3+perK*0.35)
	if refs == 0 {
		r.Issues = append(r.Issues, "no legal references")
	}

	noise := 0
	for _, c := range text {
		if c == unicode.ReplacementChar || (unicode.IsControl(c) && c != '\n' && c != '\t' && c != '\r') ||
			unicode.Is(unicode.Co, c) {
			noise++
		}
	}
	if n > 0 {
		r.Cleanliness = math.Max(0, 1-10*float64(noise)/float64(n))
	}
	if r.Cleanliness < 0.8 {
		r.Issues = append(r.Issues, "encoding noise")
	}

	r.Score = 0.3*r.Length + 0.25*r.Structure + 0.2*r.References + 0.25*r.Cleanliness
	r.Score = math.Round(r.Score*1000) / 1000
	return r
}
