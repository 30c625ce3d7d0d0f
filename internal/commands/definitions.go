package commands

import "github.com/bwmarrin/discordgo"

const (
	DonateCommand = "donate"
	StatusCommand = "donation-status"
)

// GetCommands returns the slash commands; amounts are bounded by the endowment.
func GetCommands(endowment int64) []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:         DonateCommand,
			Description:  "Contribute part of your endowment to the public pool this round",
			DMPermission: boolPtr(false),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "amount",
					Description: "Amount to contribute",
					Required:    true,
					MinValue:    float64Ptr(0),
					MaxValue:    float64(endowment),
				},
			},
		},
		{
			Name:         StatusCommand,
			Description:  "Show the results of the closed rounds in this session",
			DMPermission: boolPtr(false),
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func float64Ptr(f float64) *float64 {
	return &f
}
