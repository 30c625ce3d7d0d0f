package experiment

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/ledger"
)

var (
	// ErrCorruptLedger means the session's rows cannot describe a valid game.
	ErrCorruptLedger = errors.New("ledger rows are inconsistent with the experiment rules")
	// ErrNoSession means no current session has been recorded yet.
	ErrNoSession = errors.New("no current session recorded")
)

// Recover loads the current session and rebuilds its state from the ledger.
// Any read failure is returned as is: the caller must not continue with an
// empty state.
func Recover(ctx context.Context, p Params, store ledger.Ledger, sessions *SessionManager, logger *zap.Logger) (*State, error) {
	if err := store.EnsureHeader(ctx, ledger.Columns); err != nil {
		return nil, fmt.Errorf("ensure ledger header: %w", err)
	}

	sessionID, err := sessions.CurrentSessionID(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		if sessionID, err = sessions.StartNewSession(ctx); err != nil {
			return nil, err
		}
		return newState(sessionID, p.TotalRounds), nil
	}

	records, err := store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	state, err := Rebuild(p, sessionID, records)
	if err != nil {
		return nil, err
	}
	logger.Info("Recovered session state",
		zap.String("session", state.SessionID),
		zap.Int("round", state.CurrentRound),
		zap.Int("rows", len(state.Settled)),
		zap.Int("open_entries", openEntries(state)))
	return state, nil
}

// Inspect rebuilds the current session like Recover but never writes: the
// schema is not migrated and no session is started.
func Inspect(ctx context.Context, p Params, store ledger.Ledger, sessions *SessionManager) (*State, error) {
	sessionID, err := sessions.CurrentSessionID(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrNoSession
	}
	records, err := store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return Rebuild(p, sessionID, records)
}

// Rebuild derives the state of sessionID from ledger rows. Rows of other
// sessions are ignored.
func Rebuild(p Params, sessionID string, records []ledger.Record) (*State, error) {
	state := newState(sessionID, p.TotalRounds)
	state.Settled = ledger.ForSession(records, sessionID)

	highest := 0
	for _, r := range state.Settled {
		round := state.Round(r.Round)
		if round == nil {
			return nil, fmt.Errorf("%w: round %d outside 1..%d", ErrCorruptLedger, r.Round, p.TotalRounds)
		}
		if round.Has(r.ParticipantID) {
			return nil, fmt.Errorf("%w: %s appears twice in round %d", ErrCorruptLedger, r.ParticipantID, r.Round)
		}
		if round.Count() == p.NumParticipants {
			return nil, fmt.Errorf("%w: round %d has more than %d rows", ErrCorruptLedger, r.Round, p.NumParticipants)
		}
		round.Entries = append(round.Entries, Entry{
			ParticipantID: r.ParticipantID,
			Contribution:  r.Contribution,
			persisted:     true,
		})
		highest = max(highest, r.Round)
	}

	if highest == 0 {
		return state, nil
	}

	cohort := state.Cohort()
	for n := 1; n <= highest; n++ {
		round := state.Round(n)
		if n < highest && round.Count() != p.NumParticipants {
			return nil, fmt.Errorf("%w: round %d is incomplete but round %d has rows", ErrCorruptLedger, n, highest)
		}
		if n == 1 {
			continue
		}
		for _, id := range round.ParticipantIDs() {
			if !slices.Contains(cohort, id) {
				return nil, fmt.Errorf("%w: %s in round %d is not in the round 1 cohort", ErrCorruptLedger, id, n)
			}
		}
	}

	if state.Round(highest).Count() == p.NumParticipants {
		state.CurrentRound = highest + 1
	} else {
		state.CurrentRound = highest
	}
	return state, nil
}

func openEntries(s *State) int {
	if r := s.Round(s.CurrentRound); r != nil {
		return r.Count()
	}
	return 0
}
