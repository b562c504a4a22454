package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// CountTokens gives a rough token estimate for English text: the larger of
// four characters per token and four tokens per three words.
func CountTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	byWords := len(strings.Fields(text)) * 4 / 3
	byChars := (utf8.RuneCountInString(text) + 3) / 4
	return max(byWords, byChars, 1)
}

// perMessageOverhead approximates the role and separator tokens providers
// add around each chat turn.
const perMessageOverhead = 4

// CountChatTokens estimates the prompt size of an ordered list of turn
// contents.
func CountChatTokens(contents ...string) int {
	total := 0
	for _, c := range contents {
		total += CountTokens(c) + perMessageOverhead
	}
	return total
}
