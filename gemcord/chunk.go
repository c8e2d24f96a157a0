package gemcord

import (
	"strings"
	"unicode"
)

// chunkText splits text into pieces of at most size characters, for
// sending as separate discord messages. Splits happen at the last
// whitespace within range, or at exactly size characters when a run
// has no whitespace. Chunks are trimmed, and empty chunks dropped.
func chunkText(text string, size int) []string {
	if size <= 0 {
		size = discordChunkSize
	}
	runes := []rune(text)
	var chunks []string

	offset := 0
	for offset < len(runes) {
		for offset < len(runes) && unicode.IsSpace(runes[offset]) {
			offset++
		}
		if offset == len(runes) {
			break
		}
		end := offset + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			split := end
			for split > offset && !unicode.IsSpace(runes[split]) {
				split--
			}
			if split > offset {
				end = split
			}
		}

		chunk := strings.TrimSpace(string(runes[offset:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		offset = end
	}
	return chunks
}
