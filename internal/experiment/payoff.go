package experiment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/susu3304/kifubot/internal/ledger"
)

// storedPlaces is the precision kept for shares and payoffs in the ledger.
const storedPlaces = 3

// Settle computes one settlement per entry of a closed round, in entry order.
// The pool is divided by the round capacity, not by the number of entries.
func Settle(p Params, sessionID string, round int, entries []Entry, now time.Time) []ledger.Record {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Contribution)
	}
	share := total.Mul(p.Multiplier).
		Div(decimal.NewFromInt(int64(p.NumParticipants))).
		Round(storedPlaces)

	records := make([]ledger.Record, 0, len(entries))
	for _, e := range entries {
		private := p.Endowment.Sub(e.Contribution)
		records = append(records, ledger.Record{
			Round:          round,
			ParticipantID:  e.ParticipantID,
			Contribution:   e.Contribution,
			PrivateAccount: private,
			PublicShare:    share,
			FinalPayoff:    private.Add(share).Round(storedPlaces),
			Timestamp:      now,
			SessionID:      sessionID,
		})
	}
	return records
}

// displayAmount rounds to the nearest whole currency unit.
func displayAmount(d decimal.Decimal) string {
	return d.Round(0).String()
}
