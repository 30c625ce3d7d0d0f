package bot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/commands"
	"github.com/susu3304/kifubot/internal/config"
)

type Bot struct {
	session     *discordgo.Session
	coordinator commands.Coordinator
	endowment   int64
	logger      *zap.Logger
	announcer   *announcer
}

func New(cfg *config.Config, coordinator commands.Coordinator, logger *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	bot := &Bot{
		session:     session,
		coordinator: coordinator,
		endowment:   cfg.Endowment,
		logger:      logger,
	}
	if cfg.DiscordChannelID != "" {
		bot.announcer = newAnnouncer(session, cfg.DiscordChannelID, logger)
	}

	// Register event handlers
	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onGuildCreate)
	session.AddHandler(bot.onInteractionCreate)

	session.Identify.Intents = discordgo.IntentsGuilds

	return bot, nil
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	b.announcer.start()
	b.logger.Info("Discord bot is running")
	return nil
}

func (b *Bot) Stop() error {
	b.announcer.stop()
	return b.session.Close()
}

// Announce posts a closed round's results to the announce channel, if any.
// It never blocks the caller.
func (b *Bot) Announce(sessionID string, round int, summary string) {
	b.announcer.enqueue(sessionID, round, summary)
}
