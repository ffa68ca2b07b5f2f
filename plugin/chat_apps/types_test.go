package chat_apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageKind_String(t *testing.T) {
	tests := []struct {
		kind MessageKind
		want string
	}{
		{MessageKindText, "text"},
		{MessageKindFace, "face"},
		{MessageKindImage, "image"},
		{MessageKindVoice, "voice"},
		{MessageKindFile, "file"},
		{MessageKindAnimatedFace, "animated_face"},
		{MessageKind(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestNewMessageID(t *testing.T) {
	a := NewMessageID("u1", "c1")
	b := NewMessageID("u1", "c1")

	assert.Equal(t, "u1", a.SenderID)
	assert.Equal(t, "c1", a.ChatID)
	assert.NotEmpty(t, a.String())
	assert.NotEqual(t, a.Value, b.Value)
}

func TestRenderUnits(t *testing.T) {
	units := []KMessage{
		{Kind: MessageKindText, Content: "hello"},
		{Kind: MessageKindFace, Content: "微笑"},
		{Kind: MessageKindFace, Content: ""},
		{Kind: MessageKindImage, Content: "a.png"},
		{Kind: MessageKindVoice, Content: "v.amr"},
		{Kind: MessageKindFile, Content: "doc.pdf"},
		{Kind: MessageKindAnimatedFace, Content: "s.gif"},
	}

	got := RenderUnits(units)
	want := "hello\n[emoji: 微笑]\n[image: a.png]\n[voice: v.amr]\n[file: doc.pdf]\n[sticker: s.gif]"
	assert.Equal(t, want, got)
	assert.Equal(t, "", RenderUnits(nil))
}

func TestPlatformAndSenderValidity(t *testing.T) {
	assert.True(t, PlatformTelegram.IsValid())
	assert.True(t, PlatformOneBot.IsValid())
	assert.False(t, Platform("web").IsValid())

	assert.True(t, SenderPrivate.IsValid())
	assert.True(t, SenderGroup.IsValid())
	assert.False(t, SenderKind("channel").IsValid())
}
