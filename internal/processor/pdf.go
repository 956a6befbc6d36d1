package processor

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	pageBreakRe   = regexp.MustCompile(`\f`)
	horizontalRe  = regexp.MustCompile(`[ \t\x{00A0}]+`)
	paragraphRe   = regexp.MustCompile(`\n\s*\n+`)
	pageNumberRe  = regexp.MustCompile(`^\s*(?:-\s*)?(?:Page\s+)?\d{1,4}(?:\s*/\s*\d{1,4})?(?:\s*-)?\s*$`)
	gazetteHeader = []string{"Journal Officiel de la République Tunisienne", "الرائد الرسمي للجمهورية التونسية"}
)

// ExtractPDF extracts the plain text of a PDF file
func ExtractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()
	return plainText(r)
}

// ExtractPDFReader extracts the plain text of an uploaded PDF
func ExtractPDFReader(ra io.ReaderAt, size int64) (string, error) {
	r, err := pdf.NewReader(ra, size)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	return plainText(r)
}

func plainText(r *pdf.Reader) (string, error) {
	var buf bytes.Buffer
	b, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract plain text: %w", err)
	}
	if _, err := buf.ReadFrom(b); err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	return CleanText(buf.String()), nil
}

// CleanText strips gazette headers, page numbers and redundant whitespace while keeping
// paragraph breaks, which the chunker relies on.
func CleanText(text string) string {
	pages := pageBreakRe.Split(text, -1)
	cleaned := make([]string, 0, len(pages))
	for _, page := range pages {
		lines := strings.Split(page, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if isHeaderFooter(line) {
				continue
			}
			kept = append(kept, horizontalRe.ReplaceAllString(strings.TrimSpace(line), " "))
		}
		cleaned = append(cleaned, strings.Join(kept, "\n"))
	}
	text = strings.Join(cleaned, "\n\n")
	text = paragraphRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func isHeaderFooter(line string) bool {
	trimmed := strings.TrimSpace(line)
	if pageNumberRe.MatchString(trimmed) {
		return true
	}
	if len(trimmed) > 80 {
		return false
	}
	for _, h := range gazetteHeader {
		if strings.Contains(trimmed, h) {
			return true
		}
	}
	return false
}
