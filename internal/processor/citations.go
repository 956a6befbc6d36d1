package processor

import (
	"regexp"
	"sort"
	"strings"
)

// CitationKind classifies an extracted legal reference
type CitationKind string

const (
	CiteLaw     CitationKind = "law"
	CiteDecree  CitationKind = "decree"
	CiteArticle CitationKind = "article"
)

// Citation is one legal reference found in a text. Ref is the lookup key used to resolve
// it to a known document and is empty for references that cannot be resolved by title.
type Citation struct {
	Text string       `json:"text"`
	Kind CitationKind `json:"kind"`
	Ref  string       `json:"ref,omitempty"`
}

var (
	// Loi n° 2016-36, Loi organique n° 2017-58, Décret-loi n° 2011-115, Décret n° 2014-1039
	frActRe = regexp.MustCompile(`(?i)\b(loi(?:\s+organique)?|d[ée]cret(?:[\s-]+loi)?|arr[êe]t[ée])\s+n\s*[°o]\s*(\d{4}-\d+|\d+-\d{4}|\d+)`)
	// القانون عدد 36 لسنة 2016, الأمر عدد 1039 لسنة 2014, المرسوم عدد 115 لسنة 2011
	arActRe = regexp.MustCompile(`(القانون(?:\s+الأساسي)?|قانون(?:\s+أساسي)?|الأمر(?:\s+الحكومي)?|أمر|المرسوم|مرسوم)\s+عدد\s+(\d+)\s+لسنة\s+(\d{4})`)
	// Article 242 COC, art. 12 du CPC
	frArticleRe = regexp.MustCompile(`(?i)\b(?:article|art\.)\s+(\d+(?:\s*(?:bis|ter|quater))?)(?:\s+(?:du\s+)?(COC|CPC|CPP|CSP|CP))?\b`)
	// الفصل 12 من مجلة الالتزامات والعقود
	arArticleRe = regexp.MustCompile(`الفصل\s+(\d+)(?:\s+من\s+(مجلة\s+\p{Arabic}+(?:\s+\p{Arabic}+)?))?`)
)

// ExtractCitations returns every distinct legal reference in text, in order of appearance
func ExtractCitations(text string) []Citation {
	type hit struct {
		pos int
		c   Citation
	}
	var hits []hit

	for _, m := range frActRe.FindAllStringSubmatchIndex(text, -1) {
		kind := strings.ToLower(text[m[2]:m[3]])
		num := text[m[4]:m[5]]
		c := Citation{Text: text[m[0]:m[1]], Kind: CiteLaw}
		switch {
		case strings.HasPrefix(kind, "loi organique"):
			c.Ref = "Loi organique n° " + num
		case strings.HasPrefix(kind, "loi"):
			c.Ref = "Loi n° " + num
		case strings.Contains(kind, "loi"):
			c.Kind, c.Ref = CiteDecree, "Décret-loi n° "+num
		case strings.HasPrefix(kind, "arr"):
			c.Kind, c.Ref = CiteDecree, "Arrêté n° "+num
		default:
			c.Kind, c.Ref = CiteDecree, "Décret n° "+num
		}
		hits = append(hits, hit{m[0], c})
	}
	for _, m := range arActRe.FindAllStringSubmatchIndex(text, -1) {
		kind := text[m[2]:m[3]]
		c := Citation{Text: text[m[0]:m[1]], Kind: CiteLaw, Ref: "عدد " + text[m[4]:m[5]] + " لسنة " + text[m[6]:m[7]]}
		if !strings.Contains(kind, "قانون") {
			c.Kind = CiteDecree
		}
		hits = append(hits, hit{m[0], c})
	}
	for _, m := range frArticleRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{m[0], Citation{Text: strings.TrimSpace(text[m[0]:m[1]]), Kind: CiteArticle}})
	}
	for _, m := range arArticleRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{m[0], Citation{Text: strings.TrimSpace(text[m[0]:m[1]]), Kind: CiteArticle}})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	seen := make(map[string]bool, len(hits))
	out := make([]Citation, 0, len(hits))
	for _, h := range hits {
		key := strings.ToLower(h.c.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h.c)
	}
	return out
}

// References returns the lookup keys of the resolvable citations
func References(cites []Citation) []string {
	var refs []string
	seen := map[string]bool{}
	for _, c := range cites {
		if c.Ref == "" || seen[c.Ref] {
			continue
		}
		seen[c.Ref] = true
		refs = append(refs, c.Ref)
	}
	return refs
}
