// Package moderation screens chat messages for prohibited content and
// applies escalating send-mutes to repeat offenders.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of screening one message. A zero value means
// the message is clean.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"` // "blocked_keyword" or "spam_pattern"
	Term    string `json:"term,omitempty"`
}

// defaultTerms is a small baseline blocklist of threats, harassment and
// scam phrases. Deployments extend it with NewFilterWithTerms.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"bomb threat",
	"send nudes",
	"child porn",
	"free bitcoin",
	"crypto giveaway",
	"wire me money",
	"doxx",
}

// Filter is an immutable keyword and phrase matcher. Safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter loaded with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms builds a filter from terms. Multi-word terms match as
// whole-word phrases; blank entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		fields := strings.Fields(strings.ToLower(t))
		switch len(fields) {
		case 0:
			continue
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(fields, " "))
		}
	}
	return f
}

// Check screens text against the blocklist, then against spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	plain := tokenizePlain(text)
	if r := f.matchTokens(plain); r.Blocked {
		return r
	}

	leet := tokenizeLeet(text)
	normalized := make([]string, len(leet))
	for i, tok := range leet {
		normalized[i] = normalizeLeet(tok)
	}
	if r := f.matchTokens(normalized); r.Blocked {
		return r
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return FilterResult{}
	}

	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: p}
		}
	}
	return FilterResult{}
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits like tokenizePlain but keeps the symbols commonly used
// as letter substitutes.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if isLeetSymbol(r) {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isLeetSymbol(r rune) bool {
	switch r {
	case '@', '$', '!':
		return true
	}
	return false
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"!", "i",
	"3", "e",
	"4", "a",
	"@", "a",
	"$", "s",
	"5", "s",
	"7", "t",
)

func normalizeLeet(s string) string {
	return leetReplacer.Replace(strings.ToLower(s))
}
