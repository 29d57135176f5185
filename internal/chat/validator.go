package chat

import (
	"net/url"
	"unicode/utf8"

	"github.com/whisper/matchsync/internal/apperr"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
	MaxEmojiLength  = 32
)

// ValidateText checks that message text meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return apperr.Validation("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return apperr.Validation("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.Validation("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateContent checks the populated variant of c.
func ValidateContent(c Content) error {
	switch c.Kind() {
	case KindText:
		return ValidateText(c.Text())
	case KindImage, KindAudio, KindVideo, KindFile:
		if c.URL() == "" {
			return apperr.Validation("%s content has no URL", c.Kind())
		}
		u, err := url.Parse(c.URL())
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apperr.Validation("%s content has an invalid URL", c.Kind())
		}
		return nil
	default:
		return apperr.Validation("content is empty")
	}
}

// ValidateEmoji checks a reaction emoji.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return apperr.Validation("emoji is empty")
	}
	if len(emoji) > MaxEmojiLength {
		return apperr.Validation("emoji exceeds %d byte limit", MaxEmojiLength)
	}
	if !utf8.ValidString(emoji) {
		return apperr.Validation("emoji contains invalid UTF-8")
	}
	return nil
}
