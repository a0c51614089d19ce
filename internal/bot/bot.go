// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"number-hunt-bot/internal/config"
	"number-hunt-bot/internal/handler"
	"number-hunt-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	// Handlers
	huntHandler *handler.HuntHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config      *config.Config
	HuntService *service.HuntService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:   deps.Config.Bot.Token,
		Poller:  &tele.LongPoller{Timeout: deps.Config.Bot.PollTimeout},
		OnError: onError,
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot: teleBot,
		cfg: deps.Config,
	}

	// Initialize handlers
	b.huntHandler = handler.NewHuntHandler(deps.Config, deps.HuntService, teleBot)

	// Register middleware
	b.registerMiddleware()

	// Register handlers
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())

	// Whitelist middleware - check if chat is allowed
	b.bot.Use(WhitelistMiddleware(b.cfg))

	// Logging middleware
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command and media handlers.
func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.huntHandler.HandleHelp)
	b.bot.Handle("/help", b.huntHandler.HandleHelp)

	// Hunt commands only make sense inside a group
	groupOnly := b.bot.Group()
	groupOnly.Use(GroupOnlyMiddleware())
	groupOnly.Handle("/info", b.huntHandler.HandleInfo)
	groupOnly.Handle("/stats", b.huntHandler.HandleStats)
	groupOnly.Handle(tele.OnPhoto, b.huntHandler.HandleMedia)
	groupOnly.Handle(tele.OnVideo, b.huntHandler.HandleMedia)

	// Admin handlers (with admin middleware)
	adminGroup := b.bot.Group()
	adminGroup.Use(GroupOnlyMiddleware(), GroupAdminMiddleware(b.cfg, chatAdminCheck))
	adminGroup.Handle("/hunt", b.huntHandler.HandleHunt)
	adminGroup.Handle("/reset", b.huntHandler.HandleReset)
}

// chatAdminCheck asks Telegram whether the sender administers the current chat.
func chatAdminCheck(c tele.Context) (bool, error) {
	admins, err := c.Bot().AdminsOf(c.Chat())
	if err != nil {
		return false, err
	}
	for _, member := range admins {
		if member.User != nil && member.User.ID == c.Sender().ID {
			return true, nil
		}
	}
	return false, nil
}

func onError(err error, c tele.Context) {
	event := log.Error().Err(err)
	if c != nil && c.Chat() != nil {
		event = event.Int64("chat_id", c.Chat().ID)
	}
	event.Msg("Handler error")
}

// Start starts the bot polling.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
