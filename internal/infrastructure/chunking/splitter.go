package chunking

import (
	"strings"
	"unicode"
)

// Splitter cuts text into chunks of at most ChunkSize runes, preferring to break on
// paragraph or word boundaries inside the last quarter of a window.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, len(runes)/s.ChunkSize+1)
	for start := 0; start < len(runes); {
		end := start + s.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// breakPoint walks back from end looking for a newline, then any space, without
// shrinking the chunk below three quarters of its window.
func breakPoint(runes []rune, start, end int) int {
	floor := start + (end-start)*3/4
	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// Leading joins whole leading chunks while the total stays within budget runes.
// The first chunk is always kept so a non-empty text never yields an empty prompt.
func Leading(chunks []string, budget int) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	used := 0
	for i, chunk := range chunks {
		n := len([]rune(chunk))
		if i > 0 && used+n+2 > budget {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
			used += 2
		}
		b.WriteString(chunk)
		used += n
	}
	return b.String()
}

// Fit returns the leading chunks of text that fit in budget runes.
func (s *Splitter) Fit(text string, budget int) string {
	if budget <= 0 || len([]rune(text)) <= budget {
		return strings.TrimSpace(text)
	}
	return Leading(s.Split(text), budget)
}
