// Package telegram implements the Telegram Bot channel.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
)

const (
	DefaultRatePerSecond = 25 // Bot API global send limit is ~30 msg/s
	DefaultPollTimeout   = 30 // Long polling timeout in seconds
)

// TelegramConfig holds configuration for the Telegram channel.
type TelegramConfig struct {
	BotToken      string
	RatePerSecond float64
	PollTimeout   int
}

// botAPI is the subset of tgbotapi.BotAPI used by the channel.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramChannel implements ChatChannel for Telegram Bot API.
// Updates are received by long polling.
type TelegramChannel struct {
	bot     botAPI
	config  *TelegramConfig
	limiter *rate.Limiter
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(config *TelegramConfig) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	slog.Info("telegram: bot authorized", "username", bot.Self.UserName)
	return newTelegramChannel(bot, config), nil
}

func newTelegramChannel(bot botAPI, config *TelegramConfig) *TelegramChannel {
	if config.RatePerSecond == 0 {
		config.RatePerSecond = DefaultRatePerSecond
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	return &TelegramChannel{
		bot:     bot,
		config:  config,
		limiter: channels.NewSendLimiter(config.RatePerSecond),
	}
}

// Name returns the platform name.
func (t *TelegramChannel) Name() chat_apps.Platform {
	return chat_apps.PlatformTelegram
}

// Poll receives updates until ctx is cancelled and hands every normalized
// message to ingest. Updates without a user message are skipped.
func (t *TelegramChannel) Poll(ctx context.Context, ingest channels.IngestFunc) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.config.PollTimeout
	updates := t.bot.GetUpdatesChan(u)

	slog.Info("telegram: polling for updates", "timeout", u.Timeout)
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, err := ParseUpdate(update)
			if err != nil {
				slog.Debug("telegram: update skipped", "update_id", update.UpdateID, "error", err)
				continue
			}
			ingest(ctx, in)
		}
	}
}

// ParseUpdate normalizes a Telegram update. Message kinds without a
// KMessage mapping are reported in Inbound.Rejected.
func ParseUpdate(update tgbotapi.Update) (*chat_apps.Inbound, error) {
	// Edits are ignored: the original text was already answered.
	tgMsg := update.Message
	if tgMsg == nil {
		return nil, channels.ErrIgnoredEvent
	}

	if tgMsg.From == nil || tgMsg.Chat == nil {
		return nil, channels.ErrIgnoredEvent
	}

	in := &chat_apps.Inbound{
		Platform: chat_apps.PlatformTelegram,
		UserID:   strconv.FormatInt(tgMsg.From.ID, 10),
		ChatID:   strconv.FormatInt(tgMsg.Chat.ID, 10),
		Sender:   chat_apps.SenderGroup,
	}
	if tgMsg.Chat.IsPrivate() {
		in.Sender = chat_apps.SenderPrivate
	}

	add := func(kind chat_apps.MessageKind, content string) {
		in.Units = append(in.Units, chat_apps.KMessage{
			ID:       chat_apps.NewMessageID(in.UserID, in.ChatID),
			Kind:     kind,
			Sender:   in.Sender,
			Platform: chat_apps.PlatformTelegram,
			Content:  content,
		})
	}
	reject := func(segment string) {
		in.Rejected = append(in.Rejected, chat_apps.Rejection{
			Type:   segment,
			Reason: channels.ErrUnsupportedSegment,
		})
	}

	// Handle different message types
	switch {
	case len(tgMsg.Photo) > 0:
		largest := tgMsg.Photo[len(tgMsg.Photo)-1]
		add(chat_apps.MessageKindImage, largest.FileID)

	case tgMsg.Voice != nil:
		add(chat_apps.MessageKindVoice, tgMsg.Voice.FileID)

	case tgMsg.Audio != nil:
		add(chat_apps.MessageKindVoice, firstNonEmpty(tgMsg.Audio.FileName, tgMsg.Audio.FileID))

	case tgMsg.Animation != nil:
		add(chat_apps.MessageKindAnimatedFace, firstNonEmpty(tgMsg.Animation.FileName, tgMsg.Animation.FileID))

	case tgMsg.Document != nil:
		add(chat_apps.MessageKindFile, firstNonEmpty(tgMsg.Document.FileName, tgMsg.Document.FileID))

	case tgMsg.Sticker != nil:
		kind := chat_apps.MessageKindImage
		if tgMsg.Sticker.IsAnimated {
			kind = chat_apps.MessageKindAnimatedFace
		}
		add(kind, firstNonEmpty(tgMsg.Sticker.Emoji, tgMsg.Sticker.FileID))

	case tgMsg.Video != nil:
		reject("video")
	case tgMsg.VideoNote != nil:
		reject("video_note")
	case tgMsg.Location != nil:
		reject("location")
	case tgMsg.Contact != nil:
		reject("contact")
	case tgMsg.Poll != nil:
		reject("poll")
	}

	// Text for plain messages, caption for media.
	if tgMsg.Text != "" {
		add(chat_apps.MessageKindText, tgMsg.Text)
	}
	if tgMsg.Caption != "" {
		add(chat_apps.MessageKindText, tgMsg.Caption)
	}

	if len(in.Units) == 0 && len(in.Rejected) == 0 {
		return nil, channels.ErrIgnoredEvent
	}
	return in, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SendMessage sends a text message to Telegram.
func (t *TelegramChannel) SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error {
	slog.Debug("telegram: sending message",
		"chat_id", msg.PlatformChatID,
		"length", len(msg.Content),
	)

	chatID, err := strconv.ParseInt(msg.PlatformChatID, 10, 64)
	if err != nil {
		slog.Error("telegram: invalid chat ID", "chat_id", msg.PlatformChatID, "error", err)
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: wait for send slot: %w", err)
	}

	tgMsg := tgbotapi.NewMessage(chatID, msg.Content)
	if msg.ParseMode != "" {
		tgMsg.ParseMode = msg.ParseMode
	}
	if _, err := t.bot.Send(tgMsg); err != nil {
		return channels.ErrSendFailed.Wrap(err)
	}
	return nil
}

// Close closes the Telegram channel.
func (t *TelegramChannel) Close() error {
	return nil
}

// Ensure TelegramChannel implements Poller
var _ channels.Poller = (*TelegramChannel)(nil)
