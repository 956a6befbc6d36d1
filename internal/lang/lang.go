// Package lang holds the Arabic/French text handling shared by search, expansion and gap analysis.
package lang

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"tn-legal-rag/internal/models"
)

func isArabic(r rune) bool {
	return (r >= 0x0600 && r <= 0x06FF) || (r >= 0x0750 && r <= 0x077F) || (r >= 0xFB50 && r <= 0xFDFF) || (r >= 0xFE70 && r <= 0xFEFF)
}

func isLatin(r rune) bool {
	return unicode.Is(unicode.Latin, r)
}

// Detect classifies text by script: Arabic when Arabic letters outnumber Latin ones more
// than two to one, French for the reverse, mixed otherwise.
func Detect(text string) models.Language {
	var arabic, latin int
	for _, r := range text {
		switch {
		case isArabic(r) && unicode.IsLetter(r):
			arabic++
		case isLatin(r):
			latin++
		}
	}
	switch {
	case arabic > latin*2:
		return models.LangArabic
	case latin > arabic*2:
		return models.LangFrench
	default:
		return models.LangMixed
	}
}

// TSConfig returns the Postgres text search configuration for a language
func TSConfig(l models.Language) string {
	switch l {
	case models.LangArabic:
		return "arabic"
	case models.LangFrench:
		return "french"
	default:
		return "simple"
	}
}

var arabicReplacer = strings.NewReplacer(
	"أ", "ا", "إ", "ا", "آ", "ا", "ٱ", "ا",
	"ى", "ي", "ئ", "ي", "ؤ", "و", "ة", "ه",
	"ـ", "",
)

// NormalizeArabic strips diacritics and tatweel and unifies alef, ya and ta marbuta forms
func NormalizeArabic(s string) string {
	s = strings.Map(func(r rune) rune {
		if (r >= 0x064B && r <= 0x065F) || r == 0x0670 {
			return -1
		}
		return r
	}, s)
	return arabicReplacer.Replace(s)
}

// FoldAccents removes combining marks from Latin text (é -> e, ç -> c)
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize lowercases and folds both scripts
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = NormalizeArabic(s)
	// FoldAccents would also drop Arabic marks, which NormalizeArabic already handled.
	return strings.TrimSpace(FoldAccents(s))
}

// Tokens splits normalized text on anything that is not a letter or digit
func Tokens(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var frenchStopwords = setOf(
	"le", "la", "les", "de", "des", "du", "un", "une", "et", "ou", "en", "au", "aux", "a",
	"est", "sont", "que", "qui", "quoi", "quel", "quelle", "quels", "quelles", "dans", "pour",
	"par", "sur", "avec", "sans", "ce", "cet", "cette", "ces", "son", "sa", "ses", "leur", "leurs",
	"il", "elle", "ils", "elles", "on", "je", "tu", "nous", "vous", "se", "ne", "pas", "plus",
	"comment", "pourquoi", "quand", "d", "l", "qu", "y", "s", "n", "c", "j", "m", "t", "etre", "avoir",
	"faire", "peut", "doit", "selon", "mon", "ma", "mes", "votre", "vos", "notre", "nos", "si",
	"lorsque", "entre", "tout", "tous", "toute", "toutes", "il", "ai", "as", "ont",
)

var arabicStopwords = setOf(
	"في", "من", "على", "الى", "عن", "ما", "ماذا", "هل", "هو", "هي", "هذا", "هذه", "ذلك", "تلك",
	"التي", "الذي", "الذين", "و", "او", "ثم", "كيف", "متي", "لماذا", "اين", "مع", "كل", "بين",
	"عند", "قد", "لا", "لم", "لن", "ان", "كان", "يكون", "انا", "نحن", "هم", "له", "لها", "به", "بها",
	"اذا", "حتي", "عليه", "فيه", "منه", "الي",
)

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var arabicPrefixes = []string{"وال", "بال", "فال", "كال", "لل", "ال"}

func isStopword(tok string) bool {
	if _, ok := frenchStopwords[tok]; ok {
		return true
	}
	_, ok := arabicStopwords[tok]
	return ok
}

func stem(tok string) string {
	r := []rune(tok)
	if len(r) == 0 {
		return tok
	}
	if isArabic(r[0]) {
		for _, p := range arabicPrefixes {
			if strings.HasPrefix(tok, p) && len(r)-len([]rune(p)) >= 3 {
				return strings.TrimPrefix(tok, p)
			}
		}
		return tok
	}
	if len(r) > 4 && (r[len(r)-1] == 's' || r[len(r)-1] == 'x') {
		return string(r[:len(r)-1])
	}
	return tok
}

// Keywords returns the de-duplicated content words of s in order of first appearance
func Keywords(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range Tokens(s) {
		if isStopword(tok) {
			continue
		}
		tok = stem(tok)
		if len([]rune(tok)) < 2 || isStopword(tok) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Jaccard is |a ∩ b| / |a ∪ b| over keyword sets
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	inter := 0
	union := len(set)
	seenB := make(map[string]struct{}, len(b))
	for _, w := range b {
		if _, dup := seenB[w]; dup {
			continue
		}
		seenB[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
