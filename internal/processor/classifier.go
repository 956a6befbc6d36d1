package processor

import (
	"regexp"
	"strings"

	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/models"
)

// Classification is the output of the classification stage
type Classification struct {
	Category   string
	DocType    string
	Domain     string
	NormLevel  models.NormLevel
	Language   models.Language
	Tribunal   string
	Abrogation models.AbrogationStatus
}

const (
	CategoryLegislation   = "legislation"
	CategoryJurisprudence = "jurisprudence"
	CategoryDoctrine      = "doctrine"
)

// normPatterns are checked most specific first; the first match wins.
var normPatterns = []struct {
	level models.NormLevel
	re    *regexp.Regexp
}{
	{models.NormConstitution, regexp.MustCompile(`(?i)\bconstitution\b|الدستور|دستور`)},
	{models.NormTraite, regexp.MustCompile(`(?i)\b(convention|trait[ée]|accord)\s+international|اتفاقية\s+دولية|معاهدة`)},
	{models.NormLoiOrganique, regexp.MustCompile(`(?i)\bloi\s+organique\b|قانون\s+أساسي|القانون\s+الأساسي`)},
	{models.NormDecretLoi, regexp.MustCompile(`(?i)\bd[ée]cret[\s-]+loi\b|مرسوم`)},
	{models.NormLoiOrdinaire, regexp.MustCompile(`(?i)\bloi\s+n\s*[°o]|\bcode\b|قانون\s+عدد|مجلة`)},
	{models.NormDecret, regexp.MustCompile(`(?i)\bd[ée]cret\b|أمر\s+(?:حكومي\s+)?عدد`)},
	{models.NormArrete, regexp.MustCompile(`(?i)\barr[êe]t[ée]\s+(?:du|des|de\s+la|n)|قرار\s+(?:من\s+)?(?:وزير|الوزير)`)},
	{models.NormCirculaire, regexp.MustCompile(`(?i)\bcirculaire\b|منشور`)},
}

var (
	jurisprudenceRe = regexp.MustCompile(`(?i)\barr[êe]t\s+(?:de\s+la\s+cour|n\s*[°o]|cassation)|\bcour\s+(?:de\s+cassation|d'appel)|قرار\s+تعقيبي|محكمة\s+(?:التعقيب|الاستئناف|ابتدائية)|الحكم\s+عدد`)
	doctrineRe      = regexp.MustCompile(`(?i)\bdoctrine\b|\b(?:commentaire|note\s+sous|étude|article\s+de\s+revue)\b|فقه|تعليق\s+على`)
	abrogatedRe     = regexp.MustCompile(`(?i)\babrog[ée]e?s?\s+(?:par|à\s+compter)|(?:تم\s+)?(?:إلغاء|ألغي|أُلغي)\s+(?:بمقتضى|بموجب)`)
)

var tribunals = []struct {
	name     string
	patterns []string
}{
	{"cassation", []string{"cour de cassation", "cassation", "محكمة التعقيب", "تعقيب", "تعقيبي"}},
	{"appel", []string{"cour d'appel", "محكمة الاستئناف", "استئناف"}},
	{"instance", []string{"première instance", "premiere instance", "tribunal de première", "ابتدائية", "ابتدائي"}},
}

// Classify tags a document from its title and text. The head of the text carries most of
// the signal, so only the first few thousand bytes are inspected for norm level and type.
func Classify(title, text string) Classification {
	head := title + "\n" + prefix(text, 4000)
	lower := strings.ToLower(head)

	c := Classification{
		Language:   lang.Detect(text),
		Domain:     lang.DetectDomain(title + " " + prefix(text, 8000)),
		Abrogation: models.AbrogationActive,
	}
	if c.Language == models.LangUnknown {
		c.Language = lang.Detect(title)
	}

	switch {
	case jurisprudenceRe.MatchString(head):
		c.Category, c.DocType = CategoryJurisprudence, "decision"
		c.Tribunal = detectTribunal(lower)
	case doctrineRe.MatchString(head):
		c.Category, c.DocType, c.Tribunal = CategoryDoctrine, "commentary", "doctrine"
	default:
		c.Category, c.DocType = CategoryLegislation, "text"
		for _, p := range normPatterns {
			if p.re.MatchString(head) {
				c.NormLevel = p.level
				break
			}
		}
	}
	if abrogatedRe.MatchString(head) {
		c.Abrogation = models.AbrogationSuspected
	}
	return c
}

// Apply copies the classification onto a document without erasing operator-set fields
func (c Classification) Apply(d *models.Document) {
	if d.Category == "" {
		d.Category = c.Category
	}
	if d.DocType == "" {
		d.DocType = c.DocType
	}
	if d.Domain == "" {
		d.Domain = c.Domain
	}
	if d.NormLevel == models.NormUnknown {
		d.NormLevel = c.NormLevel
	}
	if d.Language == models.LangUnknown {
		d.Language = c.Language
	}
	if d.Tribunal == "" {
		d.Tribunal = c.Tribunal
	}
	if d.AbrogationStatus == "" || d.AbrogationStatus == models.AbrogationActive {
		d.AbrogationStatus = c.Abrogation
	}
}

func detectTribunal(lower string) string {
	for _, t := range tribunals {
		for _, p := range t.patterns {
			if strings.Contains(lower, p) {
				return t.name
			}
		}
	}
	return ""
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}
