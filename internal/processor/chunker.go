package processor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/models"
)

const (
	// Minimum size for a chunk; shorter sections are merged into the next one.
	MinChunkSize = 100
)

// sectionHeaderRe marks the start of an article: "Article 12", "Art. 12 bis", "Article premier",
// "الفصل 12", "الفصل الأول".
var sectionHeaderRe = regexp.MustCompile(`(?m)^\s*((?:Article|Art\.)\s+(?:\d+(?:\s*(?:bis|ter|quater))?|1er|premier|unique)|الفصل\s+(?:\d+|الأول|الوحيد)(?:\s+مكرر)?)`)

// Chunker splits legal texts on article boundaries, then on paragraphs when an article is
// longer than ChunkSize. Consecutive pieces of one article overlap by ChunkOverlap characters.
type Chunker struct {
	ChunkSize    int
	ChunkOverlap int
}

func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	return &Chunker{ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}
}

type section struct {
	header string
	body   string
}

// Chunk returns the document's chunks with contiguous indices starting at 0. Embeddings
// are left empty.
func (c *Chunker) Chunk(doc *models.Document) []models.Chunk {
	var chunks []models.Chunk
	for _, sec := range c.sections(doc.FullText) {
		for _, piece := range c.split(sec.body) {
			hierarchy := doc.Title
			if sec.header != "" {
				hierarchy = fmt.Sprintf("%s > %s", doc.Title, sec.header)
			}
			chunks = append(chunks, models.Chunk{
				ID:         uuid.NewString(),
				DocumentID: doc.ID,
				Index:      len(chunks),
				Content:    piece,
				Metadata: models.Metadata{
					Language:  chunkLanguage(piece, doc.Language),
					Section:   sec.header,
					Title:     doc.Title,
					Hierarchy: hierarchy,
					Tags:      tags(doc),
					Citations: citationTexts(ExtractCitations(piece)),
				},
			})
		}
	}
	return chunks
}

// sections splits text at article headers. Text before the first header is its own section.
// Sections shorter than MinChunkSize are merged forward.
func (c *Chunker) sections(text string) []section {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	locs := sectionHeaderRe.FindAllStringSubmatchIndex(text, -1)

	var raw []section
	if len(locs) == 0 || locs[0][0] > 0 {
		end := len(text)
		if len(locs) > 0 {
			end = locs[0][0]
		}
		raw = append(raw, section{body: strings.TrimSpace(text[:end])})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		raw = append(raw, section{
			header: strings.Join(strings.Fields(text[loc[2]:loc[3]]), " "),
			body:   strings.TrimSpace(text[loc[0]:end]),
		})
	}

	var out []section
	var carry string
	for _, s := range raw {
		if s.body == "" {
			continue
		}
		if carry != "" {
			s.body = carry + "\n\n" + s.body
			carry = ""
		}
		if len(s.body) < MinChunkSize {
			carry = s.body
			continue
		}
		out = append(out, s)
	}
	if carry != "" {
		if len(out) == 0 {
			out = append(out, section{body: carry})
		} else {
			out[len(out)-1].body += "\n\n" + carry
		}
	}
	return out
}

// split breaks a section into pieces of at most ChunkSize bytes on paragraph boundaries,
// falling back to sentence and then rune boundaries for oversized paragraphs.
func (c *Chunker) split(body string) []string {
	size := c.ChunkSize
	if size <= 0 || len(body) <= size {
		return []string{body}
	}

	var units []string
	for _, para := range strings.Split(body, "\n\n") {
		units = append(units, splitLong(strings.TrimSpace(para), size)...)
	}

	var (
		pieces  []string
		current strings.Builder
	)
	for _, u := range units {
		if u == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(u)+2 > size {
			piece := current.String()
			pieces = append(pieces, piece)
			current.Reset()
			if tail := overlapTail(piece, c.ChunkOverlap); tail != "" && len(tail)+len(u)+2 <= size {
				current.WriteString(tail)
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(u)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

var sentenceEndRe = regexp.MustCompile(`[.!?؟;]\s+`)

func splitLong(para string, size int) []string {
	if len(para) <= size {
		return []string{para}
	}
	var out []string
	var current strings.Builder
	last := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(para, -1) {
		sentence := para[last:loc[1]]
		last = loc[1]
		if current.Len()+len(sentence) > size && current.Len() > 0 {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(sentence)
	}
	current.WriteString(para[last:])

	var final []string
	for _, s := range append(out, strings.TrimSpace(current.String())) {
		final = append(final, hardSplit(s, size)...)
	}
	return final
}

// hardSplit cuts on rune boundaries when a single sentence exceeds size
func hardSplit(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		if sp := strings.LastIndex(s[:cut], " "); sp > size/2 {
			cut = sp
		}
		if p := strings.TrimSpace(s[:cut]); p != "" {
			out = append(out, p)
		}
		s = s[cut:]
	}
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// overlapTail returns roughly the last n bytes of piece, starting at a word boundary
func overlapTail(piece string, n int) string {
	if n <= 0 || len(piece) <= n {
		return ""
	}
	tail := piece[len(piece)-n:]
	if sp := strings.IndexAny(tail, " \n"); sp >= 0 {
		tail = tail[sp+1:]
	}
	return strings.TrimSpace(tail)
}

func chunkLanguage(text string, fallback models.Language) models.Language {
	if l := lang.Detect(text); l != models.LangMixed && l != models.LangUnknown {
		return l
	}
	if fallback != models.LangUnknown {
		return fallback
	}
	return models.LangMixed
}

func tags(doc *models.Document) []string {
	var out []string
	for _, t := range []string{doc.Category, doc.Domain, doc.DocType} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func citationTexts(cites []Citation) []string {
	out := make([]string, 0, len(cites))
	for _, c := range cites {
		out = append(out, c.Text)
	}
	return out
}
