// Package bot provides middleware for the Telegram bot.
package bot

import (
	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"number-hunt-bot/internal/config"
)

// AdminCheck reports whether the sender of c administers the chat of c.
type AdminCheck func(c tele.Context) (bool, error)

// isGroup reports whether a chat hosts hunts.
func isGroup(chat *tele.Chat) bool {
	return chat.Type == tele.ChatGroup || chat.Type == tele.ChatSuperGroup
}

// WhitelistMiddleware creates a middleware that checks if the chat is whitelisted.
// Private chats are always let through; they only get help texts.
func WhitelistMiddleware(cfg *config.Config) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			chat := c.Chat()
			sender := c.Sender()

			if chat == nil || sender == nil {
				return nil
			}

			if chat.Type == tele.ChatPrivate {
				return next(c)
			}

			if !cfg.IsChatAllowed(chat.ID) {
				log.Debug().
					Int64("chat_id", chat.ID).
					Msg("Ignoring update from non-whitelisted chat")
				return nil
			}

			return next(c)
		}
	}
}

// GroupOnlyMiddleware drops hunt updates that do not come from a group.
func GroupOnlyMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			chat := c.Chat()
			if chat == nil {
				return nil
			}
			if !isGroup(chat) {
				if chat.Type == tele.ChatPrivate && c.Message() != nil && c.Message().Text != "" {
					return c.Reply("ℹ️ Эта команда работает только в группе")
				}
				return nil
			}
			return next(c)
		}
	}
}

// GroupAdminMiddleware lets a command through for bot-wide admins from the
// config and for administrators of the chat it was sent in.
func GroupAdminMiddleware(cfg *config.Config, isChatAdmin AdminCheck) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return nil
			}

			if cfg.IsAdmin(sender.ID) {
				return next(c)
			}

			ok, err := isChatAdmin(c)
			if err != nil {
				log.Error().
					Err(err).
					Int64("user_id", sender.ID).
					Msg("Failed to load chat administrators")
				return c.Reply("⏳ Не удалось проверить права, попробуйте ещё раз")
			}
			if !ok {
				log.Warn().
					Int64("user_id", sender.ID).
					Str("command", c.Text()).
					Msg("Non-admin attempted admin command")
				return c.Reply("❌ Недостаточно прав: нужна роль администратора")
			}

			return next(c)
		}
	}
}

// LoggingMiddleware creates a middleware that logs all incoming messages.
func LoggingMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			chat := c.Chat()

			logEvent := log.Debug()
			if sender != nil {
				logEvent = logEvent.
					Int64("user_id", sender.ID).
					Str("username", sender.Username)
			}
			if chat != nil {
				logEvent = logEvent.
					Int64("chat_id", chat.ID).
					Str("chat_type", string(chat.Type))
			}
			logEvent.
				Str("text", c.Text()).
				Msg("Received message")

			return next(c)
		}
	}
}

// RecoveryMiddleware creates a middleware that recovers from panics.
func RecoveryMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Msg("Recovered from panic in handler")
					err = c.Reply("❌ Внутренняя ошибка, попробуйте позже")
				}
			}()
			return next(c)
		}
	}
}
