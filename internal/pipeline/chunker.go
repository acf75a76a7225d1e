package pipeline

import "strings"

// chunkTokens is the target chunk size in whitespace tokens. Token counts
// here are crude word counts; they feed usage estimates, not billing.
const chunkTokens = 300

type textChunk struct {
	Content string
	Tokens  int
}

// chunkText splits page content into embeddable slices of roughly
// chunkTokens words each, preserving word boundaries.
func chunkText(content string, size int) []textChunk {
	if size <= 0 {
		size = chunkTokens
	}

	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]textChunk, 0, len(words)/size+1)
	for start := 0; start < len(words); start += size {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, textChunk{
			Content: strings.Join(words[start:end], " "),
			Tokens:  end - start,
		})
	}
	return chunks
}
