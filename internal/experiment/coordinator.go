package experiment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/ledger"
)

// Result is what a presentation surface shows after Submit or Refresh.
type Result struct {
	Message       string          `json:"message"`
	Table         []ledger.Record `json:"table"`
	RoundStatus   string          `json:"round_status"`
	SessionStatus string          `json:"session_status"`
	// Rejected is set when the submission was refused; nothing was changed.
	Rejected bool `json:"rejected"`
	// ClosedRound is the round this call closed, 0 if none.
	ClosedRound int `json:"closed_round,omitempty"`
}

// RoundClosedFunc observes round closures after the coordinator lock is released.
type RoundClosedFunc func(sessionID string, round int, summary string)

// Coordinator serializes all submissions against one State.
type Coordinator struct {
	mu       sync.Mutex
	params   Params
	ledger   ledger.Ledger
	sessions *SessionManager
	state    *State
	now      func() time.Time
	logger   *zap.Logger

	observers []RoundClosedFunc
}

type Option func(*Coordinator)

// WithClock replaces time.Now for settlement timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator takes ownership of a state produced by Recover.
func NewCoordinator(p Params, l ledger.Ledger, sessions *SessionManager, state *State, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		params:   p,
		ledger:   l,
		sessions: sessions,
		state:    state,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnRoundClosed registers fn to be called after each round closure.
func (c *Coordinator) OnRoundClosed(fn RoundClosedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Submit records one contribution. Validation problems come back as a
// Rejected result; an error means storage failed and nothing changed.
func (c *Coordinator) Submit(ctx context.Context, participantID string, contribution decimal.Decimal) (Result, error) {
	c.mu.Lock()
	res, err := c.submit(ctx, strings.TrimSpace(participantID), contribution)
	sessionID := c.state.SessionID
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	if err == nil && res.ClosedRound > 0 {
		for _, fn := range observers {
			fn(sessionID, res.ClosedRound, res.Message)
		}
	}
	return res, err
}

func (c *Coordinator) submit(ctx context.Context, participantID string, contribution decimal.Decimal) (Result, error) {
	if msg := c.validate(participantID, contribution); msg != "" {
		return c.reject(participantID, msg), nil
	}

	if c.state.Complete() {
		if !c.params.AutoReset {
			return c.reject(participantID, finishedMessage(c.params.TotalRounds)), nil
		}
		id, err := c.sessions.StartNewSession(ctx)
		if err != nil {
			c.logger.Error("Failed to start new session", zap.Error(err))
			return Result{}, err
		}
		c.state = newState(id, c.params.TotalRounds)
	}

	n := c.state.CurrentRound
	round := c.state.Round(n)
	capacity := c.params.NumParticipants

	if n > 1 && !c.state.InCohort(participantID) {
		return c.reject(participantID, notInCohortMessage(participantID, n, c.state.Cohort())), nil
	}
	if round.Has(participantID) {
		return c.reject(participantID, alreadySubmittedMessage(participantID, n, capacity-round.Count())), nil
	}

	round.Entries = append(round.Entries, Entry{ParticipantID: participantID, Contribution: contribution})

	if round.Count() < capacity {
		c.logger.Info("Contribution accepted",
			zap.String("session", c.state.SessionID),
			zap.Int("round", n),
			zap.String("participant", participantID),
			zap.Int("remaining", capacity-round.Count()))
		return c.result(waitingMessage(participantID, n, capacity-round.Count())), nil
	}

	records, err := c.closeRound(ctx, round)
	if errors.Is(err, errLedgerAhead) {
		return c.reject(participantID, roundMovedMessage(participantID, n, c.state.CurrentRound > n)), nil
	}
	if err != nil {
		// Withdraw the closing entry; the round stays open and no row was kept.
		round.Entries = round.Entries[:len(round.Entries)-1]
		c.logger.Error("Failed to settle round",
			zap.String("session", c.state.SessionID),
			zap.Int("round", n),
			zap.String("participant", participantID),
			zap.Error(err))
		return Result{}, err
	}
	c.state.CurrentRound++

	c.logger.Info("Round closed",
		zap.String("session", c.state.SessionID),
		zap.Int("round", n),
		zap.Bool("session_complete", c.state.Complete()))

	msg := roundSummary(n, records)
	if c.state.Complete() {
		msg += "\n\nAll rounds are complete. Thank you for taking part!"
	}
	res := c.result(msg)
	res.ClosedRound = n
	return res, nil
}

// errLedgerAhead means the ledger holds rows for the closing round that this
// coordinator did not write. State has been rebuilt from the ledger.
var errLedgerAhead = errors.New("ledger is ahead of the in-memory round")

// closeRound appends the settlements of a full round that are not yet in the
// ledger and returns all settlements of the round.
func (c *Coordinator) closeRound(ctx context.Context, round *Round) ([]ledger.Record, error) {
	all := Settle(c.params, c.state.SessionID, round.Number, round.Entries, c.now())
	byID := make(map[string]ledger.Record, len(all))
	for _, r := range all {
		byID[r.ParticipantID] = r
	}
	var pending []ledger.Record
	for _, e := range round.unpersisted() {
		pending = append(pending, byID[e.ParticipantID])
	}

	err := c.ledger.Append(ctx, pending...)
	if err == nil {
		c.markPersisted(round)
		c.state.Settled = append(c.state.Settled, pending...)
		return all, nil
	}
	// The batch may have committed without us hearing back.
	return c.reconcile(ctx, round, all, err)
}

// reconcile re-reads the round after a failed append. A round already fully
// stored counts as closed, a round holding rows we never wrote is adopted
// from the ledger, and after a duplicate rejection only the rows still
// missing are appended.
func (c *Coordinator) reconcile(ctx context.Context, round *Round, computed []ledger.Record, appendErr error) ([]ledger.Record, error) {
	failed := fmt.Errorf("append settlements for round %d: %w", round.Number, appendErr)

	records, err := c.ledger.ReadAll(ctx)
	if err != nil {
		c.logger.Warn("Could not re-read ledger after failed append",
			zap.String("session", c.state.SessionID),
			zap.Int("round", round.Number),
			zap.Error(err))
		return nil, failed
	}
	stored := make(map[string]bool)
	for _, r := range ledger.ForSession(records, c.state.SessionID) {
		if r.Round == round.Number {
			stored[r.ParticipantID] = true
		}
	}
	for id := range stored {
		if !round.Has(id) {
			return nil, c.adopt(records, round.Number)
		}
	}

	var missing []ledger.Record
	for i, e := range round.Entries {
		if !stored[e.ParticipantID] {
			missing = append(missing, computed[i])
		}
	}
	if len(missing) > 0 {
		if !errors.Is(appendErr, ledger.ErrDuplicateRecord) {
			return nil, failed
		}
		if len(stored)+len(missing) > c.params.NumParticipants {
			return nil, c.adopt(records, round.Number)
		}
		if err := c.ledger.Append(ctx, missing...); err != nil {
			return nil, fmt.Errorf("append missing settlements for round %d: %w", round.Number, err)
		}
	}
	c.logger.Warn("Reconciled round with existing ledger rows",
		zap.String("session", c.state.SessionID),
		zap.Int("round", round.Number),
		zap.Int("already_stored", len(stored)),
		zap.Int("appended", len(missing)),
		zap.NamedError("append_error", appendErr))

	c.markPersisted(round)
	c.state.Settled = append(ledger.ForSession(records, c.state.SessionID), missing...)

	var out []ledger.Record
	for _, r := range c.state.Settled {
		if r.Round == round.Number {
			out = append(out, r)
		}
	}
	return out, nil
}

// adopt replaces the in-memory state with one rebuilt from records. Open
// entries that never reached the ledger are dropped.
func (c *Coordinator) adopt(records []ledger.Record, round int) error {
	state, err := Rebuild(c.params, c.state.SessionID, records)
	if err != nil {
		return fmt.Errorf("rebuild state for round %d: %w", round, err)
	}
	var dropped []string
	for _, e := range c.state.Round(round).unpersisted() {
		if !state.Round(round).Has(e.ParticipantID) {
			dropped = append(dropped, e.ParticipantID)
		}
	}
	c.logger.Warn("Ledger holds rows this process did not write; state rebuilt from the ledger",
		zap.String("session", c.state.SessionID),
		zap.Int("round", round),
		zap.Int("current_round", state.CurrentRound),
		zap.Strings("dropped", dropped))
	c.state = state
	return errLedgerAhead
}

func (c *Coordinator) markPersisted(round *Round) {
	for i := range round.Entries {
		round.Entries[i].persisted = true
	}
}

// Refresh re-reads the ledger and summarizes the closed rounds of the
// current session. It never changes state.
func (c *Coordinator) Refresh(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.ledger.ReadAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("refresh: %w", err)
	}
	rows := ledger.ForSession(records, c.state.SessionID)
	return Result{
		Message:       closedRoundsSummary(c.params, rows),
		Table:         rows,
		RoundStatus:   roundStatus(c.params, c.state),
		SessionStatus: sessionStatus(c.params, c.state),
	}, nil
}

// Status reports the round and session status lines without I/O.
func (c *Coordinator) Status() (roundLine, sessionLine string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return roundStatus(c.params, c.state), sessionStatus(c.params, c.state)
}

func (c *Coordinator) validate(participantID string, contribution decimal.Decimal) string {
	if participantID == "" {
		return "Please enter a participant ID."
	}
	if contribution.IsNegative() || contribution.GreaterThan(c.params.Endowment) {
		return fmt.Sprintf("Contribution must be between 0 and %s.", displayAmount(c.params.Endowment))
	}
	if !contribution.Equal(contribution.Round(storedPlaces)) {
		return fmt.Sprintf("Contribution may have at most %d decimal places.", storedPlaces)
	}
	if step := c.params.ContributionStep; step.IsPositive() && !contribution.Mod(step).IsZero() {
		return fmt.Sprintf("Contribution must be a multiple of %s.", displayAmount(step))
	}
	return ""
}

func (c *Coordinator) reject(participantID, msg string) Result {
	c.logger.Info("Contribution rejected",
		zap.String("session", c.state.SessionID),
		zap.Int("round", c.state.CurrentRound),
		zap.String("participant", participantID),
		zap.String("reason", msg))
	res := c.result(msg)
	res.Rejected = true
	return res
}

func (c *Coordinator) result(msg string) Result {
	return Result{
		Message:       msg,
		Table:         slices.Clone(c.state.Settled),
		RoundStatus:   roundStatus(c.params, c.state),
		SessionStatus: sessionStatus(c.params, c.state),
	}
}
