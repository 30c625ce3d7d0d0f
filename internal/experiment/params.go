// Package experiment runs the public-goods donation game: participants of a
// fixed cohort contribute part of an endowment each round, the pool is
// multiplied and shared equally once the round fills, and every settlement is
// appended to the ledger.
package experiment

import (
	"github.com/shopspring/decimal"

	"github.com/susu3304/kifubot/internal/config"
)

// Params are the fixed rules of the game.
type Params struct {
	NumParticipants  int
	TotalRounds      int
	Endowment        decimal.Decimal
	Multiplier       decimal.Decimal
	ContributionStep decimal.Decimal // zero accepts any amount
	AutoReset        bool
}

func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		NumParticipants:  cfg.NumParticipants,
		TotalRounds:      cfg.TotalRounds,
		Endowment:        decimal.NewFromInt(cfg.Endowment),
		Multiplier:       decimal.NewFromInt(cfg.Multiplier),
		ContributionStep: decimal.NewFromInt(cfg.ContributionStep),
		AutoReset:        cfg.AutoReset,
	}
}
