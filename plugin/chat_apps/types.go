// Package chat_apps provides the platform-neutral message model shared by
// chat channels and the message aggregator.
// Supported platforms: Telegram, OneBot v11 (QQ).
package chat_apps

import (
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

// MessageKind represents the kind of a normalized message unit.
type MessageKind int

const (
	MessageKindText MessageKind = iota
	MessageKindFace
	MessageKindImage
	MessageKindVoice
	MessageKindFile
	MessageKindAnimatedFace
)

// String returns the string representation of MessageKind.
func (k MessageKind) String() string {
	switch k {
	case MessageKindText:
		return "text"
	case MessageKindFace:
		return "face"
	case MessageKindImage:
		return "image"
	case MessageKindVoice:
		return "voice"
	case MessageKindFile:
		return "file"
	case MessageKindAnimatedFace:
		return "animated_face"
	default:
		return "unknown"
	}
}

// SenderKind tells whether a unit came from a private or a group chat.
type SenderKind string

const (
	SenderPrivate SenderKind = "private"
	SenderGroup   SenderKind = "group"
)

// IsValid checks if the sender kind is known.
func (s SenderKind) IsValid() bool {
	return s == SenderPrivate || s == SenderGroup
}

// Platform represents a supported chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformOneBot   Platform = "onebot"
)

// IsValid checks if the platform is valid.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformTelegram, PlatformOneBot:
		return true
	default:
		return false
	}
}

// MessageID identifies one message unit. It carries the producing user and
// the chat the unit arrived in so replies can be routed back.
type MessageID struct {
	SenderID string
	ChatID   string
	Value    string
}

// NewMessageID creates a unique id for a unit sent by senderID in chatID.
func NewMessageID(senderID, chatID string) MessageID {
	return MessageID{
		SenderID: senderID,
		ChatID:   chatID,
		Value:    shortuuid.New(),
	}
}

func (id MessageID) String() string {
	return id.Value
}

// KMessage is one normalized fragment of an inbound message. Heterogeneous
// platform payloads are reduced to a single string so downstream processing
// does not depend on the kind.
type KMessage struct {
	ID       MessageID
	Kind     MessageKind
	Sender   SenderKind
	Platform Platform
	// Content is plain text, a decoded emoji meaning, or a file/URL reference.
	Content string
}

// Text renders the unit as one line of prompt text. Units with an empty
// payload render as "".
func (m KMessage) Text() string {
	if m.Content == "" {
		return ""
	}
	switch m.Kind {
	case MessageKindText:
		return m.Content
	case MessageKindFace:
		return fmt.Sprintf("[emoji: %s]", m.Content)
	case MessageKindImage:
		return fmt.Sprintf("[image: %s]", m.Content)
	case MessageKindVoice:
		return fmt.Sprintf("[voice: %s]", m.Content)
	case MessageKindFile:
		return fmt.Sprintf("[file: %s]", m.Content)
	case MessageKindAnimatedFace:
		return fmt.Sprintf("[sticker: %s]", m.Content)
	default:
		return ""
	}
}

// RenderUnits joins the rendered units, one per line, skipping empty ones.
func RenderUnits(units []KMessage) string {
	lines := make([]string, 0, len(units))
	for _, u := range units {
		if line := u.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Rejection describes an inbound segment the normalizer could not map to a
// KMessage. Rejections are reported, never fatal.
type Rejection struct {
	Type   string
	Reason error
}

// Inbound is the result of normalizing one platform event.
type Inbound struct {
	Platform Platform
	UserID   string
	ChatID   string
	Sender   SenderKind
	Units    []KMessage
	Rejected []Rejection
}

// OutgoingMessage represents a text reply to send to a chat platform.
type OutgoingMessage struct {
	PlatformChatID string     // Destination chat ID
	Sender         SenderKind // Private or group destination
	Content        string     // Text content
	ParseMode      string     // Markdown/HTML parsing mode (optional)
}
