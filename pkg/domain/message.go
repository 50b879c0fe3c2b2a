package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxMessageLength = 300

var (
	ErrBlankContent   = errors.New("message content is blank")
	ErrContentTooLong = errors.New("message content is too long")
)

type Message struct {
	ID        int64      `json:"id"`
	Channel   Channel    `json:"channel"`
	User      User       `json:"user"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

func NewMessage(channel Channel, user User, content string, now time.Time) (Message, error) {
	if err := ValidateContent(content); err != nil {
		return Message{}, err
	}
	return Message{Channel: channel, User: user, Content: content, CreatedAt: now}, nil
}

// Edit replaces the content and stamps EditedAt.
func (m Message) Edit(content string, now time.Time) (Message, error) {
	if err := ValidateContent(content); err != nil {
		return m, err
	}
	m.Content = content
	m.EditedAt = &now
	return m, nil
}

func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrBlankContent
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return ErrContentTooLong
	}
	return nil
}
