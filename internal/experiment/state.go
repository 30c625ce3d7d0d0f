package experiment

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/susu3304/kifubot/internal/ledger"
)

// Entry is one participant's contribution in a round.
type Entry struct {
	ParticipantID string
	Contribution  decimal.Decimal
	// persisted marks entries whose settlement row is already in the ledger.
	persisted bool
}

// Round holds the entries of one round in submission order.
type Round struct {
	Number  int
	Entries []Entry
}

func (r *Round) Count() int { return len(r.Entries) }

func (r *Round) Has(participantID string) bool {
	for _, e := range r.Entries {
		if e.ParticipantID == participantID {
			return true
		}
	}
	return false
}

func (r *Round) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		ids = append(ids, e.ParticipantID)
	}
	return ids
}

// unpersisted returns the entries that still need a settlement row.
func (r *Round) unpersisted() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if !e.persisted {
			out = append(out, e)
		}
	}
	return out
}

// State is the in-memory picture of the current session. Only recovery and
// the Coordinator write it, and the Coordinator only under its lock.
type State struct {
	SessionID    string
	CurrentRound int // TotalRounds+1 once the session is complete
	Rounds       []*Round
	// Settled caches the session's ledger rows, in append order.
	Settled []ledger.Record
}

func newState(sessionID string, totalRounds int) *State {
	s := &State{SessionID: sessionID, CurrentRound: 1, Rounds: make([]*Round, totalRounds)}
	for i := range s.Rounds {
		s.Rounds[i] = &Round{Number: i + 1}
	}
	return s
}

func (s *State) Complete() bool {
	return s.CurrentRound > len(s.Rounds)
}

// Round returns round n (1-based), or nil when out of range.
func (s *State) Round(n int) *Round {
	if n < 1 || n > len(s.Rounds) {
		return nil
	}
	return s.Rounds[n-1]
}

// Cohort is the ordered set of round-1 participants.
func (s *State) Cohort() []string {
	return s.Rounds[0].ParticipantIDs()
}

func (s *State) InCohort(participantID string) bool {
	return slices.Contains(s.Cohort(), participantID)
}
