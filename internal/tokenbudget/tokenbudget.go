// Package tokenbudget truncates prompt sections to a token budget using
// tiktoken-go, so the coordinator's input assembly can bound the plan
// section without crudely chopping on a byte count.
package tokenbudget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName is a general-purpose BPE good enough for budgeting
// prose/markdown prompt sections; exactness against any one provider's
// tokenizer is not required here, only a stable, monotonic notion of size.
const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoder() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
	})
	return enc, encErr
}

// Count returns the token count of text, falling back to a whitespace-split
// estimate if the encoder failed to load (keeps the coordinator's input
// assembly usable even offline).
func Count(text string) int {
	e, err := encoder()
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(e.Encode(text, nil, nil))
}

// TruncatePreserving truncates text to at most budget tokens, preserving
// the region between preserveMarker and the next blank line (the plan's
// "## Task Breakdown" section, which the coordinator input assembly must
// never cut) by keeping it intact and trimming the rest of the document
// around it.
func TruncatePreserving(text string, budget int, preserveMarker string) string {
	if Count(text) <= budget {
		return text
	}

	before, preserved, after := splitAroundMarker(text, preserveMarker)
	preservedBudget := Count(preserved)
	remaining := budget - preservedBudget
	if remaining <= 0 {
		return truncateTo(preserved, budget)
	}

	halfBefore := remaining / 2
	halfAfter := remaining - halfBefore
	truncatedBefore := truncateTail(before, halfBefore)
	truncatedAfter := truncateTo(after, halfAfter)

	var b strings.Builder
	if truncatedBefore != "" {
		b.WriteString(truncatedBefore)
		b.WriteString("\n…(truncated)…\n")
	}
	b.WriteString(preserved)
	if truncatedAfter != "" {
		b.WriteString("\n…(truncated)…\n")
		b.WriteString(truncatedAfter)
	}
	return b.String()
}

// splitAroundMarker returns the text before marker, the marker's section
// (through the next blank line or end of string), and the text after that
// section. If marker is absent, preserved is empty and before is the whole
// text.
func splitAroundMarker(text, marker string) (before, preserved, after string) {
	if marker == "" {
		return text, "", ""
	}
	idx := strings.Index(text, marker)
	if idx < 0 {
		return text, "", ""
	}
	before = text[:idx]
	rest := text[idx:]
	end := strings.Index(rest, "\n\n")
	if end < 0 {
		return before, rest, ""
	}
	return before, rest[:end], rest[end:]
}

func truncateTo(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	e, err := encoder()
	if err != nil {
		fields := strings.Fields(text)
		if len(fields) <= budget {
			return text
		}
		return strings.Join(fields[:budget], " ")
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return e.Decode(tokens[:budget])
}

func truncateTail(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	e, err := encoder()
	if err != nil {
		fields := strings.Fields(text)
		if len(fields) <= budget {
			return text
		}
		return strings.Join(fields[len(fields)-budget:], " ")
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return e.Decode(tokens[len(tokens)-budget:])
}

// TruncateChars caps text at maxChars runes, used for the 500-char
// REASONING field and similar fixed-width fields that are specified in
// characters rather than tokens.
func TruncateChars(text string, maxChars int) string {
	r := []rune(text)
	if len(r) <= maxChars {
		return text
	}
	return string(r[:maxChars])
}
