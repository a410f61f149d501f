package moderation

import (
	"strings"
	"testing"
)

// TestSpam_LinkFlood verifies that several links in one message are blocked
// while a single shared link is allowed.
func TestSpam_LinkFlood(t *testing.T) {
	f := NewFilterWithTerms(nil) // no keyword blocklist, isolate spam checks

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"single link", "look at https://example.com/cat.jpg", false},
		{"two links", "https://a.example and www.b.example", false},
		{"three links", "http://a.io http://b.io http://c.io", true},
		{"mixed forms", "www.a.net https://b.org/x www.c.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "link_flood" {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, "link_flood")
			}
			if tt.blocked && result.Reason != "spam_pattern" {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, "spam_pattern")
			}
		})
	}
}

// TestSpam_CharFlood verifies that long runs of one character are blocked.
func TestSpam_CharFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"long run of o", "hell" + strings.Repeat("o", 12), true},
		{"long run of A", strings.Repeat("A", 20), true},
		{"eleven chars ok", strings.Repeat("z", 11), false},
		{"excited", "wow!!!!! amazing", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "char_flood" {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, "char_flood")
			}
		})
	}
}

// TestSpam_WordFlood verifies that repeated word flooding is blocked.
func TestSpam_WordFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"buy x6", "buy buy buy buy buy buy", true},
		{"in sentence", "hey spam spam spam spam spam spam now", true},
		{"case insensitive", "BUY buy Buy bUY buY BuY", true},
		{"three repeats ok", "no no no", false},
		{"interrupted", "go go go go go stop go", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "word_flood" {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, "word_flood")
			}
		})
	}
}

// TestSpam_CleanMessages ensures normal chat is NOT flagged as spam.
func TestSpam_CleanMessages(t *testing.T) {
	f := NewFilterWithTerms(nil)

	clean := []string{
		"I have 3 cats",
		"call me at 555-123-4567",
		"lol that's cool",
		"upgrade to v2.0",
		"pi is about 3.14",
		"see you in 2026",
		"wow!!! that's great!!",
		"sooo cool",
		"yeah yeah whatever",
		"it costs $5.99",
		"",
	}

	for _, msg := range clean {
		result := f.Check(msg)
		if result.Blocked {
			t.Errorf("Check(%q) was blocked (reason=%q, term=%q), expected clean",
				msg, result.Reason, result.Term)
		}
	}
}

// TestSpam_KeywordFirst ensures a blocked keyword wins over a spam pattern.
func TestSpam_KeywordFirst(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	result := f.Check("badword http://a.io http://b.io http://c.io")
	if !result.Blocked {
		t.Fatal("expected blocked")
	}
	if result.Reason != "blocked_keyword" {
		t.Errorf("Reason = %q, want %q", result.Reason, "blocked_keyword")
	}

	result = f.Check("http://a.io http://b.io http://c.io")
	if result.Reason != "spam_pattern" {
		t.Errorf("Reason = %q, want %q", result.Reason, "spam_pattern")
	}
}
