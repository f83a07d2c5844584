package retrieval

import "strings"

const (
	chunkMaxSize = 1000
	chunkOverlap = 50
)

type chunk struct {
	content     string
	startOffset int
	endOffset   int
}

// chunkContent splits content on line boundaries into chunks of at most
// chunkMaxSize bytes, each starting with the last chunkOverlap bytes of the
// previous one.
func chunkContent(content string) []chunk {
	var chunks []chunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	offset := 0
	fresh := 0 // non-blank bytes added since the last split

	for _, line := range lines {
		lineLen := len(line) + 1

		if fresh > 0 && current.Len()+lineLen > chunkMaxSize {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   offset,
			})

			text := current.String()
			current.Reset()
			fresh = 0
			if len(text) > chunkOverlap {
				current.WriteString(text[len(text)-chunkOverlap:])
				startOffset = offset - chunkOverlap
			} else {
				startOffset = offset
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		offset += lineLen
		if strings.TrimSpace(line) != "" {
			fresh += lineLen
		}
	}

	if fresh > 0 && strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, chunk{
			content:     strings.TrimSpace(current.String()),
			startOffset: startOffset,
			endOffset:   offset,
		})
	}

	return chunks
}
