package experiment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/ledger"
)

type submission struct {
	id     string
	amount int64
}

// fullSession is the accepted submissions of one complete session, in order.
var fullSession = []submission{
	{"a", 0}, {"b", 10000}, {"c", 5000}, {"d", 5000},
	{"c", 1000}, {"a", 2000}, {"d", 3000}, {"b", 4000},
	{"d", 500}, {"b", 9500}, {"a", 7000}, {"c", 0},
}

func TestRecoverStartsSessionWhenNoneRecorded(t *testing.T) {
	store := ledger.NewMemory()
	sessions := NewSessionManager(store, fixedNow, zap.NewNop())

	state, err := Recover(context.Background(), testParams(), store, sessions, zap.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, 1, state.CurrentRound)

	id, err := store.CurrentSessionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, id)
}

func TestInspectNeverWrites(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	sessions := NewSessionManager(store, fixedNow, zap.NewNop())

	_, err := Inspect(ctx, testParams(), store, sessions)
	require.ErrorIs(t, err, ErrNoSession)
	id, err := store.CurrentSessionID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
	// No header was fixed, so any column set is still accepted.
	assert.NoError(t, store.EnsureHeader(ctx, []string{"name", "amount"}))

	store = ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	for _, s := range fullSession[:5] {
		submit(t, c, s.id, s.amount)
	}
	state, err := Inspect(ctx, testParams(), store, NewSessionManager(store, fixedNow, zap.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, c.state.SessionID, state.SessionID)
	assert.Equal(t, 2, state.CurrentRound)
	assert.Len(t, state.Settled, 4)
}

func TestRecoverResumesAfterRestart(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	for _, s := range fullSession[:6] {
		submit(t, c, s.id, s.amount)
	}

	restarted := newTestCoordinator(t, testParams(), store)
	assert.Equal(t, c.state.SessionID, restarted.state.SessionID)
	assert.Equal(t, 2, restarted.state.CurrentRound)
	assert.Equal(t, []string{"a", "b", "c", "d"}, restarted.state.Cohort())
	// Entries of an open round live in memory only.
	assert.Equal(t, 0, restarted.state.Round(2).Count())

	res := submit(t, restarted, "e", 0)
	assert.True(t, res.Rejected, "cohort gating survives a restart")
}

func TestRecoverCompleteSession(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	for _, s := range fullSession {
		submit(t, c, s.id, s.amount)
	}

	restarted := newTestCoordinator(t, testParams(), store)
	assert.True(t, restarted.state.Complete())
	assert.Equal(t, 4, restarted.state.CurrentRound)

	submit(t, restarted, "a", 0)
	assert.NotEqual(t, c.state.SessionID, restarted.state.SessionID)
}

func TestRecoverPrefixThenReplayMatchesUninterrupted(t *testing.T) {
	p := testParams()
	ctx := context.Background()

	reference := ledger.NewMemory()
	c := newTestCoordinator(t, p, reference)
	for _, s := range fullSession {
		submit(t, c, s.id, s.amount)
	}
	want := sessionRows(t, reference, c.state.SessionID)
	require.Len(t, want, len(fullSession))

	for k := 0; k <= len(want); k++ {
		store := ledger.NewMemory()
		require.NoError(t, store.SetCurrentSessionID(ctx, c.state.SessionID))
		require.NoError(t, store.Append(ctx, want[:k]...))

		resumed := newTestCoordinator(t, p, store)
		assert.Equal(t, k, openOrClosedRows(resumed.state), "k=%d", k)
		for _, s := range fullSession[k:] {
			res := submit(t, resumed, s.id, s.amount)
			require.False(t, res.Rejected, "k=%d %s: %s", k, s.id, res.Message)
		}

		assert.Equal(t, want, sessionRows(t, store, c.state.SessionID), "k=%d", k)
	}
}

func openOrClosedRows(s *State) int {
	n := 0
	for _, r := range s.Rounds {
		n += r.Count()
	}
	return n
}

func TestRebuildPartialRoundMarksPersisted(t *testing.T) {
	p := testParams()
	rows := Settle(p, "s1", 1, entries("a", 0, "b", 0, "c", 0, "d", 0), fixedNow())
	rows = append(rows, Settle(p, "s1", 2, entries("b", 100, "a", 200), fixedNow())...)
	rows = append(rows, Settle(p, "other", 1, entries("x", 0), fixedNow())...)

	state, err := Rebuild(p, "s1", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentRound)
	assert.Equal(t, []string{"b", "a"}, state.Round(2).ParticipantIDs())
	assert.Empty(t, state.Round(2).unpersisted())
	assert.Len(t, state.Settled, 6)
}

func TestClosureAppendsOnlyUnpersistedRows(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	store := ledger.NewMemory()
	require.NoError(t, store.SetCurrentSessionID(ctx, "s1"))
	round2 := Settle(p, "s1", 2, entries("b", 100, "a", 200, "c", 300, "d", 400), fixedNow())
	require.NoError(t, store.Append(ctx, Settle(p, "s1", 1, entries("a", 0, "b", 0, "c", 0, "d", 0), fixedNow())...))
	require.NoError(t, store.Append(ctx, round2[:2]...))

	c := newTestCoordinator(t, p, store)
	assert.Equal(t, []string{"b", "a"}, c.state.Round(2).ParticipantIDs())
	submit(t, c, "c", 300)
	res := submit(t, c, "d", 400)
	assert.Equal(t, 2, res.ClosedRound)

	rows := sessionRows(t, store, "s1")
	require.Len(t, rows, 8)
	assert.Equal(t, round2, rows[4:])
}

func TestRebuildRejectsCorruptRows(t *testing.T) {
	p := testParams()
	round1 := Settle(p, "s1", 1, entries("a", 0, "b", 0, "c", 0, "d", 0), fixedNow())

	tests := []struct {
		name string
		rows []ledger.Record
	}{
		{"round out of range", Settle(p, "s1", 4, entries("a", 0), fixedNow())},
		{"duplicate participant", Settle(p, "s1", 1, entries("a", 0, "a", 0), fixedNow())},
		{"over capacity", Settle(p, "s1", 1, entries("a", 0, "b", 0, "c", 0, "d", 0, "e", 0), fixedNow())},
		{"gap before highest round", Settle(p, "s1", 2, entries("a", 0), fixedNow())},
		{"non-cohort in later round", append(append([]ledger.Record{}, round1...), Settle(p, "s1", 2, entries("z", 0), fixedNow())...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Rebuild(p, "s1", tt.rows)
			assert.ErrorIs(t, err, ErrCorruptLedger)
		})
	}
}

// unreadable fails every read.
type unreadable struct {
	*ledger.Memory
}

var errUnreadable = errors.New("sheet unavailable")

func (u *unreadable) ReadAll(context.Context) ([]ledger.Record, error) {
	return nil, errUnreadable
}

func TestRecoverFailsWhenLedgerUnreadable(t *testing.T) {
	store := &unreadable{Memory: ledger.NewMemory()}
	require.NoError(t, store.SetCurrentSessionID(context.Background(), "s1"))
	sessions := NewSessionManager(store, fixedNow, zap.NewNop())

	state, err := Recover(context.Background(), testParams(), store, sessions, zap.NewNop())
	assert.ErrorIs(t, err, errUnreadable)
	assert.Nil(t, state)
}

func TestRecoverFailsOnHeaderMismatch(t *testing.T) {
	store := ledger.NewMemory()
	require.NoError(t, store.EnsureHeader(context.Background(), []string{"name", "amount"}))
	sessions := NewSessionManager(store, fixedNow, zap.NewNop())

	_, err := Recover(context.Background(), testParams(), store, sessions, zap.NewNop())
	assert.ErrorIs(t, err, ledger.ErrHeaderMismatch)
}

func TestSessionIDsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := newSessionID(fixedNow())
		require.NoError(t, err)
		assert.Contains(t, id, "20261016-093000-")
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestCohortIsFixedByRoundOne(t *testing.T) {
	state := newState("s1", 2)
	state.Rounds[0].Entries = []Entry{{ParticipantID: "a", Contribution: decimal.Zero}}
	assert.True(t, state.InCohort("a"))
	assert.False(t, state.InCohort("b"))
}
