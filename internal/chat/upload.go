package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrTooLarge is returned when an upload exceeds the configured size.
var ErrTooLarge = fmt.Errorf("%w: attachment too large", ErrInvalidMessage)

// Upload is a file posted to one of the upload endpoints.
type Upload struct {
	ChatID      int64
	UserID      int64
	Filename    string
	ContentType string
	Body        io.Reader
	Caption     string
	Voice       bool // force the voice type regardless of MIME
}

// Uploader writes attachments to a directory served under a public prefix.
type Uploader struct {
	dir      string
	prefix   string
	maxBytes int64
}

// NewUploader stores files in dir and links them as prefix + file name.
func NewUploader(dir, prefix string, maxBytes int64) *Uploader {
	return &Uploader{dir: dir, prefix: prefix, maxBytes: maxBytes}
}

// Save writes body to a new uniquely named file and returns its public URL.
func (u *Uploader) Save(filename, contentType string, body io.Reader) (url string, name string, err error) {
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("chat: upload dir: %w", err)
	}

	name = uuid.NewString() + extension(filename, contentType)
	full := filepath.Join(u.dir, name)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("chat: create upload: %w", err)
	}

	limit := u.maxBytes
	if limit <= 0 {
		limit = 1 << 62
	}
	n, err := io.Copy(f, io.LimitReader(body, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(full)
		if errors.Is(err, ErrTooLarge) {
			return "", "", err
		}
		return "", "", fmt.Errorf("chat: write upload: %w", err)
	}
	return path.Join(u.prefix, name), name, nil
}

// Remove deletes a file written by Save.
func (u *Uploader) Remove(name string) error {
	return os.Remove(filepath.Join(u.dir, filepath.Base(name)))
}

// DetectType maps a MIME type to a message type. Unknown types are files.
func DetectType(contentType string) MessageType {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return TypeFile
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return TypeImage
	case strings.HasPrefix(mt, "video/"):
		return TypeVideo
	case strings.HasPrefix(mt, "audio/"):
		return TypeVoice
	}
	return TypeFile
}

func extension(filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && len(ext) <= 8 && isSafeExt(ext[1:]) {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func isSafeExt(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Attach stores an uploaded file and sends it as an attachment message.
// The sender must belong to the chat before anything is written to disk;
// the file is removed again if the send fails.
func (s *Service) Attach(ctx context.Context, up Upload) (Message, error) {
	if s.uploader == nil {
		return Message{}, errors.New("chat: uploads are not configured")
	}
	if up.ChatID <= 0 || up.UserID <= 0 {
		return Message{}, fmt.Errorf("%w: chat_id and user_id are required", ErrInvalidMessage)
	}
	ok, err := s.isParticipant(ctx, up.ChatID, up.UserID)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, fmt.Errorf("%w: user %d is not in chat %d", ErrForbidden, up.UserID, up.ChatID)
	}

	typ := DetectType(up.ContentType)
	if up.Voice {
		typ = TypeVoice
	}

	url, name, err := s.uploader.Save(up.Filename, up.ContentType, up.Body)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.SendMessage(ctx, SendRequest{
		ChatID:        up.ChatID,
		UserID:        up.UserID,
		Content:       up.Caption,
		Type:          string(typ),
		AttachmentURL: &url,
	})
	if err != nil {
		if rerr := s.uploader.Remove(name); rerr != nil {
			s.logger.Warn().Err(rerr).Str("file", name).Msg("remove orphaned upload failed")
		}
		return Message{}, err
	}
	return msg, nil
}
