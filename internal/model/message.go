// Package model defines the conversational entities shared by the relay and
// the peer engines: chat messages, two-party quizzes and user profiles.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType distinguishes plain text from snap (media) messages.
type MessageType string

const (
	MessageText MessageType = "text"
	MessageSnap MessageType = "snap"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
	MaxMediaRef     = 1024
)

// Reaction is a single emoji reaction left on a message by a user.
type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// Message is a chat message between two users. ID is assigned by the relay
// and is the only identity used for deduplication. ClientID carries the
// sender's temporary local identity so an acknowledgment can be matched to
// its optimistic entry.
type Message struct {
	ID        string      `json:"id,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	MediaRef  string      `json:"mediaRef,omitempty"`
	IsRead    bool        `json:"isRead"`
	ReadAt    *time.Time  `json:"readAt,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	Reactions []Reaction  `json:"reactions,omitempty"`
}

// Between reports whether the message belongs to the conversation of a and b.
func (m *Message) Between(a, b string) bool {
	return (m.From == a && m.To == b) || (m.From == b && m.To == a)
}

// ValidateMessage checks that a text message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateSnap checks that a snap carries a usable media reference. The
// caption is optional but bound by the text limits.
func ValidateSnap(mediaRef, caption string) error {
	if strings.TrimSpace(mediaRef) == "" {
		return fmt.Errorf("snap has no media reference")
	}
	if len(mediaRef) > MaxMediaRef {
		return fmt.Errorf("media reference exceeds %d byte limit", MaxMediaRef)
	}
	if caption != "" {
		return ValidateMessage(caption)
	}
	return nil
}

// Validate dispatches to the validator for the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageText, "":
		return ValidateMessage(m.Content)
	case MessageSnap:
		return ValidateSnap(m.MediaRef, m.Content)
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// ValidateEmoji accepts a short, non-empty reaction string.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("reaction is empty")
	}
	if utf8.RuneCountInString(emoji) > 8 {
		return fmt.Errorf("reaction is too long")
	}
	return nil
}

// ApplyReaction returns reactions with user's reaction set to emoji. A user
// holds at most one reaction; repeating the same emoji removes it.
func ApplyReaction(reactions []Reaction, user, emoji string) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	toggledOff := false
	for _, r := range reactions {
		if r.User != user {
			out = append(out, r)
			continue
		}
		if r.Emoji == emoji {
			toggledOff = true
		}
	}
	if !toggledOff {
		out = append(out, Reaction{User: user, Emoji: emoji})
	}
	return out
}

// Profile is the public view of a user.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsOnline    bool   `json:"isOnline"`
}

// MaxDisplayNameChars bounds a profile display name.
const MaxDisplayNameChars = 50

// ValidateDisplayName checks a display name chosen by its owner.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameChars {
		return fmt.Errorf("display name exceeds %d characters", MaxDisplayNameChars)
	}
	return nil
}
