package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// linkPattern matches http/https and www. links.
var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+)`)

const (
	charFloodThreshold = 12 // identical consecutive characters
	wordFloodThreshold = 6  // identical consecutive words
	linkFloodThreshold = 3  // links in one message
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// First match wins.
var spamChecks = []spamCheck{
	{name: "link_flood", match: hasLinkFlood},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasLinkFlood reports whether text carries linkFloodThreshold or more links.
// A single shared link is normal in a private chat.
func hasLinkFlood(text string) bool {
	return len(linkPattern.FindAllStringIndex(text, linkFloodThreshold)) >= linkFloodThreshold
}

// hasCharFlood is a linear scan; RE2 has no backreferences.
func hasCharFlood(text string) bool {
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= charFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodThreshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= wordFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{
				Blocked: true,
				Reason:  "spam_pattern",
				Term:    sc.name,
			}
		}
	}
	return FilterResult{}
}
