// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"number-hunt-bot/internal/config"
	"number-hunt-bot/internal/model"
	"number-hunt-bot/internal/service"
)

// requestTimeout bounds one update's calls into the hunt service.
const requestTimeout = 15 * time.Second

const tryAgainText = "⏳ Не получилось обработать сообщение, попробуйте ещё раз"

// Messenger is the part of the Telegram client used to announce accepted numbers.
// *tele.Bot implements it.
type Messenger interface {
	Forward(to tele.Recipient, msg tele.Editable, opts ...interface{}) (*tele.Message, error)
	Pin(msg tele.Editable, opts ...interface{}) error
}

// HuntHandler handles hunt submissions and commands.
type HuntHandler struct {
	cfg         *config.Config
	huntService *service.HuntService
	messenger   Messenger
}

// NewHuntHandler creates a new HuntHandler.
func NewHuntHandler(cfg *config.Config, huntService *service.HuntService, messenger Messenger) *HuntHandler {
	return &HuntHandler{
		cfg:         cfg,
		huntService: huntService,
		messenger:   messenger,
	}
}

// HandleMedia handles a photo or video whose caption claims a number.
// Captions without a claim are ignored.
func (h *HuntHandler) HandleMedia(c tele.Context) error {
	msg := c.Message()
	chat := c.Chat()
	sender := c.Sender()
	if msg == nil || chat == nil || sender == nil {
		return nil
	}

	claimed, ok := ParseClaim(msg.Caption)
	if !ok {
		return nil
	}

	sub := &model.Submission{
		GroupID:        chat.ID,
		UserID:         sender.ID,
		Username:       displayName(sender),
		ClaimedNumber:  claimed,
		MediaReference: mediaReference(msg),
		SubmissionID:   SubmissionID(chat.ID, msg.ID),
		MessageID:      msg.ID,
		Timestamp:      msg.Time(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res, err := h.huntService.Submit(ctx, sub)
	if err != nil {
		return h.replyFailure(c, err, "Submit failed")
	}

	// Redelivered update, the first delivery already answered
	if res.Duplicate {
		return nil
	}

	if !res.Accepted {
		return c.Reply(RejectionText(res, claimed))
	}

	h.announce(ctx, msg, chat.ID, res)
	return c.Reply(fmt.Sprintf("Нашли номер %d! 🎉", res.Number))
}

// announce forwards an accepted message to the channel and pins it in the
// group. Failures are logged; the number stays accepted.
func (h *HuntHandler) announce(ctx context.Context, msg *tele.Message, groupID int64, res *model.SubmissionResult) {
	if res.ChannelID != "" {
		fwd, err := h.messenger.Forward(channelRecipient(res.ChannelID), msg)
		if err != nil {
			log.Error().
				Err(err).
				Int64("chat_id", groupID).
				Str("channel", res.ChannelID).
				Int64("number", res.Number).
				Msg("Failed to forward to channel")
		} else if fwd != nil {
			if err := h.huntService.RecordForward(ctx, groupID, res.Number, fwd.ID); err != nil {
				log.Warn().Err(err).Int64("chat_id", groupID).Int64("number", res.Number).Msg("Failed to record forward")
			}
		}
	}

	if h.cfg.Bot.PinAccepted {
		if err := h.messenger.Pin(msg); err != nil {
			log.Debug().Err(err).Int64("chat_id", groupID).Int("msg_id", msg.ID).Msg("Failed to pin message")
		}
	}
}

// HandleHunt handles the /hunt command.
// Format: /hunt <@channel|channel id>
func (h *HuntHandler) HandleHunt(c tele.Context) error {
	chat := c.Chat()
	sender := c.Sender()
	if chat == nil || sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("❌ Формат: /hunt @канал")
	}
	channel, ok := NormalizeChannel(args[0])
	if !ok {
		return c.Reply("❌ Не понимаю канал. Пример: /hunt @my_channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res, err := h.huntService.Start(ctx, chat.ID, channel)
	if err != nil {
		return h.replyFailure(c, err, "Start failed")
	}

	switch {
	case !res.OK && res.Reason == model.ReasonAlreadyAssociated:
		return c.Reply(fmt.Sprintf(
			"❌ Охота уже идёт в канал %s. Сначала /reset", res.Session.ChannelID,
		))
	case res.AlreadyActive:
		return c.Reply(fmt.Sprintf("ℹ️ Охота уже идёт. Ищем %d", res.Session.CurrentNumber))
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("chat_id", chat.ID).
		Str("channel", channel).
		Str("operation", "hunt_start").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf(
		"🚀 Охота началась!\n\n"+
			"📢 Канал: %s\n"+
			"🔎 Ищем: 1\n\n"+
			"Отправляйте фото или видео с подписью <code>1!</code>",
		channel,
	), tele.ModeHTML)
}

// HandleReset handles the /reset command.
func (h *HuntHandler) HandleReset(c tele.Context) error {
	chat := c.Chat()
	sender := c.Sender()
	if chat == nil || sender == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := h.huntService.Reset(ctx, chat.ID); err != nil {
		return h.replyFailure(c, err, "Reset failed")
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("chat_id", chat.ID).
		Str("operation", "hunt_reset").
		Msg("Admin operation executed")

	if h.cfg.Game.KeepStatsOnReset {
		return c.Reply("🔄 Охота сброшена. Статистика сохранена")
	}
	return c.Reply("🔄 Охота сброшена")
}

// HandleInfo handles the /info command.
func (h *HuntHandler) HandleInfo(c tele.Context) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info, err := h.huntService.Info(ctx, chat.ID)
	if err != nil {
		return h.replyFailure(c, err, "Info failed")
	}
	return c.Reply(InfoText(info))
}

// HandleStats handles the /stats command.
func (h *HuntHandler) HandleStats(c tele.Context) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info, err := h.huntService.Info(ctx, chat.ID)
	if err != nil {
		return h.replyFailure(c, err, "Stats failed")
	}
	entries, err := h.huntService.Stats(ctx, chat.ID)
	if err != nil {
		return h.replyFailure(c, err, "Stats failed")
	}
	history, err := h.huntService.History(ctx, chat.ID)
	if err != nil {
		return h.replyFailure(c, err, "History failed")
	}

	return c.Reply(StatsText(chat.ID, info, entries, history), tele.ModeHTML, tele.NoPreview)
}

// replyFailure logs an infrastructure error and asks the user to retry.
func (h *HuntHandler) replyFailure(c tele.Context, err error, msg string) error {
	event := log.Error()
	if errors.Is(err, service.ErrLockTimeout) || errors.Is(err, service.ErrTransientConflict) {
		event = log.Warn()
	}
	if chat := c.Chat(); chat != nil {
		event = event.Int64("chat_id", chat.ID)
	}
	event.Err(err).Msg(msg)
	return c.Reply(tryAgainText)
}

// HandleHelp handles the /start and /help commands.
func (h *HuntHandler) HandleHelp(c tele.Context) error {
	return c.Reply(HelpText, tele.ModeHTML)
}
