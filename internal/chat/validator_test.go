package chat

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	url := "/uploads/a.png"
	long := "/" + strings.Repeat("a", MaxURLBytes)

	tests := []struct {
		name       string
		text       string
		typ        MessageType
		attachment *string
		wantErr    bool
	}{
		{"plain text", "hello", TypeText, nil, false},
		{"empty text", "", TypeText, nil, true},
		{"whitespace text", " \n\t", TypeText, nil, true},
		{"max chars", strings.Repeat("a", MaxTextChars), TypeText, nil, false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), TypeText, nil, true},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), TypeText, nil, true},
		{"invalid utf8", "\xc3\x28", TypeText, nil, true},
		{"image with caption", "look", TypeImage, &url, false},
		{"image without caption", "", TypeImage, &url, false},
		{"image without attachment", "look", TypeImage, nil, true},
		{"attachment url too long", "", TypeFile, &long, true},
		{"text with attachment", "see file", TypeText, &url, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text, tt.typ, tt.attachment)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestParseMessageType(t *testing.T) {
	typ, err := ParseMessageType("")
	if err != nil || typ != TypeText {
		t.Fatalf("empty type = %q, %v; want text", typ, err)
	}
	for _, s := range []string{"text", "image", "video", "voice", "file"} {
		if _, err := ParseMessageType(s); err != nil {
			t.Errorf("ParseMessageType(%q) error: %v", s, err)
		}
	}
	if _, err := ParseMessageType("gif"); err == nil {
		t.Error("expected error for unknown type")
	}
}
