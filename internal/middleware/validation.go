package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	maxContentLength = 100000 // ~100KB limit
	maxChatIDLength  = 256
	maxSenderLength  = 256
)

// WildcardChatID names the read-only firehose stream.
const WildcardChatID = "*"

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateChatID validates a conversation id a client may write to.
func ValidateChatID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("chat_id cannot be empty")
	}
	if id == WildcardChatID {
		return errors.New("chat_id \"*\" is reserved")
	}
	return validateID("chat_id", id)
}

// ValidateStreamID validates a conversation id a client may subscribe to.
// Unlike ValidateChatID it accepts the wildcard.
func ValidateStreamID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("chat_id cannot be empty")
	}
	return validateID("chat_id", id)
}

// ValidateSenderID validates an optional sender id.
func ValidateSenderID(id string) error {
	if len(id) > maxSenderLength {
		return errors.New("sender_id exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("sender_id must be valid UTF-8")
	}
	return nil
}

func validateID(field, id string) error {
	if len(id) > maxChatIDLength {
		return errors.New(field + " exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New(field + " must be valid UTF-8")
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return errors.New(field + " contains control characters")
		}
	}
	return nil
}
