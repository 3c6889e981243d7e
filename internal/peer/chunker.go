package peer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minSentenceLen = 20
	maxSentenceLen = 200

	// uiActionMarker tags model output meant for the canvas, not for speech.
	uiActionMarker = "UI_ACTION:"
)

// sentenceChunker turns a stream of LLM text deltas into speakable
// sentences. A sentence ends at '.', '!' or '?' followed by whitespace once
// it is at least minSentenceLen bytes long; text that runs past
// maxSentenceLen without a terminator is cut at the last space.
type sentenceChunker struct {
	buf strings.Builder
	min int
	max int
}

func newSentenceChunker() *sentenceChunker {
	return &sentenceChunker{min: minSentenceLen, max: maxSentenceLen}
}

// Push adds delta and returns the sentences it completed.
func (c *sentenceChunker) Push(delta string) []string {
	c.buf.WriteString(delta)
	var out []string
	for {
		text := c.buf.String()
		cut := c.boundary(text)
		if cut < 0 {
			return out
		}
		if s, ok := speakable(text[:cut]); ok {
			out = append(out, s)
		}
		rest := strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
		c.buf.Reset()
		c.buf.WriteString(rest)
	}
}

// Flush returns whatever is buffered as a final sentence.
func (c *sentenceChunker) Flush() (string, bool) {
	text := c.buf.String()
	c.buf.Reset()
	return speakable(text)
}

func (c *sentenceChunker) boundary(text string) int {
	for i := 0; i+1 < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 >= c.min && isSpace(text[i+1]) {
				return i + 1
			}
		}
	}
	if len(text) <= c.max {
		return -1
	}
	if sp := strings.LastIndexByte(text[:c.max], ' '); sp > 0 {
		return sp
	}
	cut := c.max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

func speakable(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, uiActionMarker) {
		return "", false
	}
	return s, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
