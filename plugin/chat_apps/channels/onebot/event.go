package onebot

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
)

// animatedFaceSummary marks an image segment as an animated sticker.
const animatedFaceSummary = "动画表情"

// Event is a OneBot v11 event as delivered by HTTP post.
type Event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SelfID      int64           `json:"self_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	MessageID   int64           `json:"message_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
}

// Segment is one element of an array-format message.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`
}

// SegmentData holds the segment fields the normalizer reads.
type SegmentData struct {
	Text    string          `json:"text"`
	File    string          `json:"file"`
	Path    string          `json:"path"`
	URL     string          `json:"url"`
	QQ      json.RawMessage `json:"qq"`
	Summary string          `json:"summary"`
	ID      json.RawMessage `json:"id"`
	Raw     json.RawMessage `json:"raw"`
}

// parseEvent normalizes a OneBot message event.
func parseEvent(payload []byte) (*chat_apps.Inbound, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, channels.ErrInvalidPayload.Wrap(err)
	}
	if ev.PostType != "message" || ev.UserID == 0 {
		return nil, channels.ErrIgnoredEvent
	}

	in := &chat_apps.Inbound{
		Platform: chat_apps.PlatformOneBot,
		UserID:   strconv.FormatInt(ev.UserID, 10),
	}
	switch ev.MessageType {
	case "private":
		in.Sender = chat_apps.SenderPrivate
		in.ChatID = in.UserID
	case "group":
		in.Sender = chat_apps.SenderGroup
		in.ChatID = strconv.FormatInt(ev.GroupID, 10)
	default:
		return nil, channels.ErrIgnoredEvent
	}

	segments, err := decodeSegments(ev.Message, ev.RawMessage)
	if err != nil {
		return nil, channels.ErrInvalidPayload.Wrap(err)
	}
	// Group messages are answered only when they mention the bot.
	if in.Sender == chat_apps.SenderGroup && !mentions(segments, ev.SelfID) {
		return nil, channels.ErrIgnoredEvent
	}

	for _, seg := range segments {
		if structuralSegments[seg.Type] {
			continue
		}
		kind, ok := segmentKind(seg)
		if !ok {
			in.Rejected = append(in.Rejected, chat_apps.Rejection{
				Type:   seg.Type,
				Reason: channels.ErrUnsupportedSegment,
			})
			continue
		}
		in.Units = append(in.Units, chat_apps.KMessage{
			ID:       chat_apps.NewMessageID(in.UserID, in.ChatID),
			Kind:     kind,
			Sender:   in.Sender,
			Platform: chat_apps.PlatformOneBot,
			Content:  segmentContent(seg, kind),
		})
	}
	return in, nil
}

// structuralSegments address or quote a message and carry no content.
var structuralSegments = map[string]bool{
	"at":    true,
	"reply": true,
}

// mentions reports whether segments contain an at segment for selfID,
// either as an array segment or as a CQ code in string-format text.
func mentions(segments []Segment, selfID int64) bool {
	if selfID == 0 {
		return false
	}
	self := strconv.FormatInt(selfID, 10)
	for _, seg := range segments {
		switch seg.Type {
		case "at":
			if strings.Trim(string(seg.Data.QQ), `"`) == self {
				return true
			}
		case "text":
			if strings.Contains(seg.Data.Text, "[CQ:at,qq="+self+"]") {
				return true
			}
		}
	}
	return false
}

// decodeSegments accepts both the array and the string message format. A
// string-format message is kept as a single text segment.
func decodeSegments(message json.RawMessage, raw string) ([]Segment, error) {
	trimmed := strings.TrimSpace(string(message))
	switch {
	case trimmed == "" || trimmed == "null":
		if raw == "" {
			return nil, nil
		}
		return []Segment{{Type: "text", Data: SegmentData{Text: raw}}}, nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(message, &s); err != nil {
			return nil, err
		}
		return []Segment{{Type: "text", Data: SegmentData{Text: s}}}, nil
	default:
		var segs []Segment
		if err := json.Unmarshal(message, &segs); err != nil {
			return nil, err
		}
		return segs, nil
	}
}

func segmentKind(seg Segment) (chat_apps.MessageKind, bool) {
	switch seg.Type {
	case "text":
		return chat_apps.MessageKindText, true
	case "face":
		return chat_apps.MessageKindFace, true
	case "image":
		if strings.Contains(seg.Data.Summary, animatedFaceSummary) {
			return chat_apps.MessageKindAnimatedFace, true
		}
		return chat_apps.MessageKindImage, true
	case "record":
		return chat_apps.MessageKindVoice, true
	case "file":
		return chat_apps.MessageKindFile, true
	default:
		return 0, false
	}
}

func segmentContent(seg Segment, kind chat_apps.MessageKind) string {
	switch kind {
	case chat_apps.MessageKindText:
		return seg.Data.Text
	case chat_apps.MessageKindFace:
		return decodeFace(seg.Data.Raw)
	default:
		if seg.Data.File != "" {
			return seg.Data.File
		}
		return seg.Data.Path
	}
}
