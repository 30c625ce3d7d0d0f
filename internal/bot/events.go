package bot

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/commands"
)

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("Connected to Discord", zap.String("user", event.User.Username))

	// Register commands for all guilds
	for _, guild := range event.Guilds {
		if err := b.registerGuildCommands(s, guild.ID); err != nil {
			b.logger.Error("Failed to register commands", zap.String("guild", guild.ID), zap.Error(err))
		}
	}
}

func (b *Bot) onGuildCreate(s *discordgo.Session, event *discordgo.GuildCreate) {
	b.logger.Info("Guild available, ensuring commands", zap.String("guild", event.ID), zap.String("name", event.Name))
	if err := b.registerGuildCommands(s, event.ID); err != nil {
		b.logger.Error("Failed to register commands", zap.String("guild", event.ID), zap.Error(err))
	}
}

func (b *Bot) registerGuildCommands(s *discordgo.Session, guildID string) error {
	cmds := commands.GetCommands(b.endowment)
	// Delete existing commands and register new ones
	if _, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, cmds); err != nil {
		return err
	}

	b.logger.Info("Registered application commands", zap.String("guild", guildID))
	return nil
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	switch i.ApplicationCommandData().Name {
	case commands.DonateCommand:
		commands.HandleDonate(s, i, b.coordinator, b.logger)
	case commands.StatusCommand:
		commands.HandleStatus(s, i, b.coordinator, b.logger)
	}
}
