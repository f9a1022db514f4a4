package engine

import "strings"

// sanitizeResponse normalizes raw model output before it is appended to the
// transcript: reasoning blocks are removed, and the cosmetic artifacts some
// models add (surrounding quotes, a leading "Name:" self-attribution) are
// stripped.
func sanitizeResponse(text string, participants []string) string {
	text = stripThinkBlocks(text)
	text = strings.TrimSpace(text)

	for _, name := range participants {
		if rest, ok := strings.CutPrefix(text, name+":"); ok {
			text = strings.TrimSpace(rest)
			break
		}
	}

	text = trimMatchingQuotes(text)
	return strings.TrimSpace(text)
}

// stripThinkBlocks removes <think>...</think> sections. An unterminated
// opening tag keeps its trailing text: dropping it would silently eat the
// whole reply.
func stripThinkBlocks(text string) string {
	for {
		start := strings.Index(text, "<think>")
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], "</think>")
		if end < 0 {
			return text[:start] + text[start+len("<think>"):]
		}
		text = text[:start] + text[start+end+len("</think>"):]
	}
}

// trimMatchingQuotes removes one pair of surrounding quotes.
func trimMatchingQuotes(text string) string {
	if len(text) < 2 {
		return text
	}
	first, last := text[0], text[len(text)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}
