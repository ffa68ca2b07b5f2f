package chatbot

import (
	"fmt"
	"strings"

	"github.com/hrygo/kbot/plugin/chat_apps"
)

// SessionKey identifies one conversation: a user in a chat on a platform.
// Its string form is the user id seen by the aggregator and the context
// store, so replies can be routed from the key alone.
type SessionKey struct {
	Platform chat_apps.Platform
	Sender   chat_apps.SenderKind
	ChatID   string
	UserID   string
}

// SessionKeyFor returns the key of an inbound event.
func SessionKeyFor(in *chat_apps.Inbound) SessionKey {
	return SessionKey{
		Platform: in.Platform,
		Sender:   in.Sender,
		ChatID:   in.ChatID,
		UserID:   in.UserID,
	}
}

// String renders the key as "platform:sender:chat:user".
func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Platform, k.Sender, k.ChatID, k.UserID)
}

// Scope is the context scope the session belongs to.
func (k SessionKey) Scope() string {
	return string(k.Sender)
}

// ParseSessionKey parses the output of SessionKey.String.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return SessionKey{}, fmt.Errorf("malformed session key %q", s)
	}
	k := SessionKey{
		Platform: chat_apps.Platform(parts[0]),
		Sender:   chat_apps.SenderKind(parts[1]),
		ChatID:   parts[2],
		UserID:   parts[3],
	}
	if !k.Platform.IsValid() || !k.Sender.IsValid() || k.ChatID == "" || k.UserID == "" {
		return SessionKey{}, fmt.Errorf("malformed session key %q", s)
	}
	return k, nil
}
