package chunking

import (
	"strings"
	"unicode"
)

// Splitter cuts text into windows of at most ChunkSize runes that overlap by
// roughly Overlap runes. A window is cut at the strongest break found in its
// second half; words are never split unless the window holds no whitespace.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
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
	runes := []rune(strings.ReplaceAll(text, "\r\n", "\n"))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + s.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = s.boundary(runes, start, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}

		next := max(end-s.Overlap, start+1)
		// Do not start the next window mid-word.
		for next < end && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return out
}

func (s *Splitter) boundary(runes []rune, start, end int) int {
	floor := end - s.ChunkSize/2
	if floor <= start {
		floor = start + 1
	}

	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		switch runes[i-1] {
		case '.', '!', '?':
			if i < len(runes) && unicode.IsSpace(runes[i]) {
				return i
			}
		}
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}
