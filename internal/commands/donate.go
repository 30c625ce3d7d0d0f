package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/experiment"
)

// Interaction tokens stay valid for 15 minutes; ledger retries finish well before.
const handlerTimeout = time.Minute

// Coordinator is what the slash commands need from the experiment.
type Coordinator interface {
	Submit(ctx context.Context, participantID string, contribution decimal.Decimal) (experiment.Result, error)
	Refresh(ctx context.Context) (experiment.Result, error)
}

// HandleDonate submits the caller's contribution under their Discord user id.
func HandleDonate(s *discordgo.Session, i *discordgo.InteractionCreate, c Coordinator, logger *zap.Logger) {
	amount := getIntOption(i.ApplicationCommandData().Options, "amount")
	if amount == nil {
		respondText(s, i, "Please specify an amount.")
		return
	}
	userID := interactionUserID(i)

	// Settling a round writes to the ledger, which can outlast the 3s reply window.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		logger.Warn("Failed to defer donate response", zap.String("participant", userID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	res, err := c.Submit(ctx, userID, decimal.NewFromInt(*amount))
	if err != nil {
		logger.Error("Donation failed", zap.String("participant", userID), zap.Error(err))
	}
	editText(s, i, donateContent(userID, res, err), logger)
}

// HandleStatus re-reads the ledger and shows the closed rounds.
func HandleStatus(s *discordgo.Session, i *discordgo.InteractionCreate, c Coordinator, logger *zap.Logger) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		logger.Warn("Failed to defer status response", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	res, err := c.Refresh(ctx)
	if err != nil {
		logger.Error("Status refresh failed", zap.Error(err))
	}
	editText(s, i, statusContent(res, err), logger)
}

func donateContent(userID string, res experiment.Result, err error) string {
	if err != nil {
		return experiment.RetryMessage
	}
	msg := res.Message
	if res.ClosedRound == 0 {
		// Waiting and rejection messages name the participant by raw id.
		msg = fmt.Sprintf("<@%s>: %s", userID, msg)
	}
	return msg + "\n\n" + res.RoundStatus
}

func statusContent(res experiment.Result, err error) string {
	if err != nil {
		return experiment.RetryMessage
	}
	return fmt.Sprintf("%s\n\n%s\n%s", res.Message, res.RoundStatus, res.SessionStatus)
}
