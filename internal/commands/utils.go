package commands

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// MessageLimit is Discord's maximum message length.
const MessageLimit = 2000

func respondText(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
}

// editText fills a deferred response, continuing in follow-ups past the limit.
func editText(s *discordgo.Session, i *discordgo.InteractionCreate, content string, logger *zap.Logger) {
	chunks := SplitMessage(content, MessageLimit)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &chunks[0]}); err != nil {
		logger.Warn("Failed to edit interaction response", zap.Error(err))
		return
	}
	for _, chunk := range chunks[1:] {
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: chunk}); err != nil {
			logger.Warn("Failed to send follow-up", zap.Error(err))
			return
		}
	}
}

// SplitMessage breaks content into chunks of at most limit bytes, preferring
// line boundaries. It always returns at least one chunk.
func SplitMessage(content string, limit int) []string {
	var chunks []string
	var buffer strings.Builder
	for _, line := range strings.Split(content, "\n") {
		for len(line) > limit {
			if buffer.Len() > 0 {
				chunks = append(chunks, buffer.String())
				buffer.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if buffer.Len() > 0 && buffer.Len()+1+len(line) > limit {
			chunks = append(chunks, buffer.String())
			buffer.Reset()
		}
		if buffer.Len() > 0 {
			buffer.WriteString("\n")
		}
		buffer.WriteString(line)
	}
	if buffer.Len() > 0 || len(chunks) == 0 {
		chunks = append(chunks, buffer.String())
	}
	return chunks
}

func getIntOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) *int64 {
	for _, o := range opts {
		if o.Name == name {
			v := o.IntValue()
			return &v
		}
	}
	return nil
}

// interactionUserID returns the invoking user in guilds and DMs alike.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
