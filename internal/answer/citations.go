package answer

import (
	"regexp"
	"strconv"
	"strings"
)

// citationPattern matches [Source-N], [Source N], [KB-N] and [Juris-N]
var citationPattern = regexp.MustCompile(`\[(Source|KB|Juris)[-\s]?(\d+)\]`)

// maxMarkerLen bounds how much unterminated text the stream sanitizer holds back
const maxMarkerLen = 16

// SanitizeCitations strips every citation marker that does not reference one of the
// sourceCount supplied sources (labels are 1-based) and returns the removed markers.
func SanitizeCitations(answer string, sourceCount int) (string, []string) {
	var removed []string
	cleaned := citationPattern.ReplaceAllStringFunc(answer, func(marker string) string {
		m := citationPattern.FindStringSubmatch(marker)
		n, err := strconv.Atoi(m[2])
		if err == nil && n >= 1 && n <= sourceCount {
			return marker
		}
		removed = append(removed, marker)
		return ""
	})
	return cleaned, removed
}

// Citations returns the valid source numbers cited in answer, in order of first use
func Citations(answer string, sourceCount int) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 || n > sourceCount || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// StreamSanitizer applies SanitizeCitations to streamed text. A trailing "[" that may be
// the start of a marker is held back until it is closed or grows too long to be one.
type StreamSanitizer struct {
	sourceCount int
	pending     string
	removed     []string
}

func NewStreamSanitizer(sourceCount int) *StreamSanitizer {
	return &StreamSanitizer{sourceCount: sourceCount}
}

// Push adds a delta and returns the text that is safe to emit
func (s *StreamSanitizer) Push(delta string) string {
	buf := s.pending + delta
	s.pending = ""
	if i := strings.LastIndex(buf, "["); i >= 0 && !strings.Contains(buf[i:], "]") && len(buf)-i < maxMarkerLen {
		s.pending = buf[i:]
		buf = buf[:i]
	}
	return s.clean(buf)
}

// Flush returns whatever is still held back
func (s *StreamSanitizer) Flush() string {
	buf := s.pending
	s.pending = ""
	return s.clean(buf)
}

// Removed lists the markers stripped so far
func (s *StreamSanitizer) Removed() []string {
	return s.removed
}

func (s *StreamSanitizer) clean(text string) string {
	if text == "" {
		return ""
	}
	cleaned, removed := SanitizeCitations(text, s.sourceCount)
	s.removed = append(s.removed, removed...)
	return cleaned
}
