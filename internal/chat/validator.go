package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 16384 // 16KB max content
	MaxTextChars    = 4000  // max character count
	MaxURLBytes     = 2048
)

// ValidateMessage checks content and attachment of an outgoing message. Text
// messages need content; other types need an attachment and may carry a
// caption.
func ValidateMessage(text string, typ MessageType, attachment *string) error {
	hasAttachment := attachment != nil && strings.TrimSpace(*attachment) != ""

	if typ == TypeText && strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if typ != TypeText && !hasAttachment {
		return fmt.Errorf("%w: %s message without attachment", ErrInvalidMessage, typ)
	}
	if hasAttachment && len(*attachment) > MaxURLBytes {
		return fmt.Errorf("%w: attachment url exceeds %d bytes", ErrInvalidMessage, MaxURLBytes)
	}
	return validateText(text)
}

// validateText applies the size limits shared by sends and edits.
func validateText(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}
