package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/ledger"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC) }

func testParams() Params {
	return Params{
		NumParticipants: 4,
		TotalRounds:     3,
		Endowment:       decimal.NewFromInt(10000),
		Multiplier:      decimal.NewFromInt(2),
		AutoReset:       true,
	}
}

func newTestCoordinator(t *testing.T, p Params, store ledger.Store) *Coordinator {
	t.Helper()
	sessions := NewSessionManager(store, fixedNow, zap.NewNop())
	state, err := Recover(context.Background(), p, store, sessions, zap.NewNop())
	require.NoError(t, err)
	return NewCoordinator(p, store, sessions, state, zap.NewNop(), WithClock(fixedNow))
}

func submit(t *testing.T, c *Coordinator, id string, amount int64) Result {
	t.Helper()
	res, err := c.Submit(context.Background(), id, decimal.NewFromInt(amount))
	require.NoError(t, err)
	return res
}

func sessionRows(t *testing.T, store ledger.Ledger, sessionID string) []ledger.Record {
	t.Helper()
	all, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	return ledger.ForSession(all, sessionID)
}

func TestSubmitWaitsUntilRoundFills(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)

	res := submit(t, c, "a", 0)
	assert.False(t, res.Rejected)
	assert.Contains(t, res.Message, "waiting for 3 more")
	assert.Equal(t, "Round 1 of 3: 1/4 submitted", res.RoundStatus)
	assert.Contains(t, res.SessionStatus, "in progress")
	assert.Empty(t, sessionRows(t, store, c.state.SessionID), "nothing is written before the round closes")
}

func TestScenarioAFirstRoundSettles(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)

	submit(t, c, "a", 0)
	submit(t, c, "b", 10000)
	submit(t, c, "c", 5000)
	res := submit(t, c, "d", 5000)

	assert.Equal(t, 1, res.ClosedRound)
	assert.Contains(t, res.Message, "Round 1 results")
	assert.Contains(t, res.Message, "- a contributed 0, payoff 20000")
	assert.Contains(t, res.Message, "- b contributed 10000, payoff 10000")
	assert.Contains(t, res.Message, "- d contributed 5000, payoff 15000")
	assert.Equal(t, "Round 2 of 3: 0/4 submitted", res.RoundStatus)

	rows := sessionRows(t, store, c.state.SessionID)
	require.Len(t, rows, 4)
	assert.Equal(t, rows, res.Table)
	for _, r := range rows {
		assert.True(t, r.PublicShare.Equal(decimal.NewFromInt(10000)))
	}
}

func TestScenarioBNonCohortRejected(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	for _, id := range []string{"a", "b", "c", "d"} {
		submit(t, c, id, 1000)
	}

	res := submit(t, c, "e", 1000)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Message, "a, b, c, d")
	assert.Equal(t, 0, c.state.Round(2).Count())
	assert.Len(t, sessionRows(t, store, c.state.SessionID), 4)
}

func TestScenarioCDuplicateRejected(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	for _, id := range []string{"a", "b", "c", "d"} {
		submit(t, c, id, 1000)
	}
	submit(t, c, "a", 500)

	res := submit(t, c, "a", 700)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Message, "already participated in round 2")
	assert.Equal(t, 1, c.state.Round(2).Count())
	assert.True(t, c.state.Round(2).Entries[0].Contribution.Equal(decimal.NewFromInt(500)))
}

func TestScenarioDNewSessionAfterLastRound(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	first := c.state.SessionID

	var last Result
	for round := 1; round <= 3; round++ {
		for _, id := range []string{"a", "b", "c", "d"} {
			last = submit(t, c, id, 2000)
		}
	}
	assert.Equal(t, 3, last.ClosedRound)
	assert.Contains(t, last.Message, "All rounds are complete")
	assert.Equal(t, "All 3 rounds complete", last.RoundStatus)
	assert.Contains(t, last.SessionStatus, "next submission starts a new session")
	assert.True(t, c.state.Complete())

	res := submit(t, c, "z", 100)
	assert.False(t, res.Rejected)
	assert.NotEqual(t, first, c.state.SessionID)
	assert.Equal(t, 1, c.state.CurrentRound)
	assert.Empty(t, res.Table)
	assert.Equal(t, "Round 1 of 3: 1/4 submitted", res.RoundStatus)

	persisted, err := store.CurrentSessionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.state.SessionID, persisted)
	assert.Len(t, sessionRows(t, store, first), 12)
}

func TestCompleteSessionWithoutAutoReset(t *testing.T) {
	p := testParams()
	p.TotalRounds = 1
	p.NumParticipants = 2
	p.AutoReset = false
	store := ledger.NewMemory()
	c := newTestCoordinator(t, p, store)
	session := c.state.SessionID

	submit(t, c, "a", 0)
	submit(t, c, "b", 0)

	res := submit(t, c, "a", 0)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Message, "experiment has finished")
	assert.Equal(t, session, c.state.SessionID)
}

func TestSubmitValidation(t *testing.T) {
	p := testParams()
	p.ContributionStep = decimal.NewFromInt(500)
	c := newTestCoordinator(t, p, ledger.NewMemory())

	tests := []struct {
		name   string
		id     string
		amount decimal.Decimal
		want   string
	}{
		{"empty id", "   ", decimal.NewFromInt(0), "participant ID"},
		{"negative", "a", decimal.NewFromInt(-1), "between 0 and 10000"},
		{"above endowment", "a", decimal.NewFromInt(10001), "between 0 and 10000"},
		{"off step", "a", decimal.NewFromInt(750), "multiple of 500"},
		{"fractional", "a", decimal.RequireFromString("0.5"), "multiple of 500"},
		{"too many decimals", "a", decimal.RequireFromString("1234.5678"), "at most 3 decimal places"},
		{"sub-thousandth", "a", decimal.RequireFromString("500.0001"), "at most 3 decimal places"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Submit(context.Background(), tt.id, tt.amount)
			require.NoError(t, err)
			assert.True(t, res.Rejected)
			assert.Contains(t, res.Message, tt.want)
			assert.Equal(t, 0, c.state.Round(1).Count())
		})
	}

	res := submit(t, c, " a ", 10000)
	assert.False(t, res.Rejected)
	assert.True(t, c.state.Round(1).Has("a"))
}

// failingStore fails Append while failAppend is set. commitThenFail applies
// one batch and still reports an error, like a lost acknowledgement.
// failReads fails that many ReadAll calls.
type failingStore struct {
	*ledger.Memory
	failAppend     bool
	commitThenFail bool
	failReads      int
}

var errDown = errors.New("storage down")

func (f *failingStore) Append(ctx context.Context, records ...ledger.Record) error {
	if f.commitThenFail {
		f.commitThenFail = false
		if err := f.Memory.Append(ctx, records...); err != nil {
			return err
		}
		return errDown
	}
	if f.failAppend {
		return errDown
	}
	return f.Memory.Append(ctx, records...)
}

func (f *failingStore) ReadAll(ctx context.Context) ([]ledger.Record, error) {
	if f.failReads > 0 {
		f.failReads--
		return nil, errDown
	}
	return f.Memory.ReadAll(ctx)
}

func TestClosureFailureLeavesRoundOpen(t *testing.T) {
	store := &failingStore{Memory: ledger.NewMemory()}
	c := newTestCoordinator(t, testParams(), store)
	submit(t, c, "a", 0)
	submit(t, c, "b", 0)
	submit(t, c, "c", 0)

	store.failAppend = true
	_, err := c.Submit(context.Background(), "d", decimal.NewFromInt(0))
	require.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, c.state.CurrentRound)
	assert.Equal(t, 3, c.state.Round(1).Count())
	assert.Empty(t, sessionRows(t, store, c.state.SessionID))

	store.failAppend = false
	res := submit(t, c, "d", 0)
	assert.Equal(t, 1, res.ClosedRound)
	assert.Len(t, sessionRows(t, store, c.state.SessionID), 4)
}

func TestClosureReconcilesLostAcknowledgement(t *testing.T) {
	mem := ledger.NewMemory()
	store := &failingStore{Memory: mem}
	retrying := ledger.NewRetrying(store, ledger.RetryOptions{
		AttemptTimeout:  time.Second,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())

	p := testParams()
	sessions := NewSessionManager(retrying, fixedNow, zap.NewNop())
	state, err := Recover(context.Background(), p, retrying, sessions, zap.NewNop())
	require.NoError(t, err)
	c := NewCoordinator(p, retrying, sessions, state, zap.NewNop(), WithClock(fixedNow))

	submit(t, c, "a", 100)
	submit(t, c, "b", 200)
	submit(t, c, "c", 300)
	store.commitThenFail = true
	res := submit(t, c, "d", 400)

	assert.Equal(t, 1, res.ClosedRound)
	assert.Equal(t, 2, c.state.CurrentRound)
	rows := sessionRows(t, mem, c.state.SessionID)
	assert.Len(t, rows, 4, "the retried batch must not duplicate rows")
	assert.Equal(t, rows, res.Table)
}

func TestLostAcknowledgementKeepsRoundCapacity(t *testing.T) {
	store := &failingStore{Memory: ledger.NewMemory()}
	p := testParams()
	c := newTestCoordinator(t, p, store)
	submit(t, c, "a", 0)
	submit(t, c, "b", 0)
	submit(t, c, "c", 0)

	store.commitThenFail = true
	res := submit(t, c, "d", 0)
	assert.Equal(t, 1, res.ClosedRound)
	assert.Equal(t, 2, c.state.CurrentRound)

	res = submit(t, c, "e", 0)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Message, "cannot join round 2")

	rows := sessionRows(t, store, c.state.SessionID)
	assert.Len(t, rows, 4)

	sessions := NewSessionManager(store, fixedNow, zap.NewNop())
	recovered, err := Recover(context.Background(), p, store, sessions, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered.CurrentRound)
	assert.Equal(t, []string{"a", "b", "c", "d"}, recovered.Cohort())
}

func TestUnreadableLostAcknowledgementAdoptsLedger(t *testing.T) {
	store := &failingStore{Memory: ledger.NewMemory()}
	p := testParams()
	c := newTestCoordinator(t, p, store)
	submit(t, c, "a", 0)
	submit(t, c, "b", 0)
	submit(t, c, "c", 0)

	// The batch commits, but neither the append nor the follow-up read answers.
	store.commitThenFail = true
	store.failReads = 1
	_, err := c.Submit(context.Background(), "d", decimal.NewFromInt(0))
	require.ErrorIs(t, err, errDown)
	assert.Equal(t, 3, c.state.Round(1).Count())

	res := submit(t, c, "e", 0)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Message, "Round 1 has already closed")
	assert.Equal(t, 2, c.state.CurrentRound)
	assert.Equal(t, []string{"a", "b", "c", "d"}, c.state.Cohort())

	rows := sessionRows(t, store, c.state.SessionID)
	require.Len(t, rows, 4)
	for _, r := range rows {
		assert.NotEqual(t, "e", r.ParticipantID)
	}

	sessions := NewSessionManager(store, fixedNow, zap.NewNop())
	_, err = Recover(context.Background(), p, store, sessions, zap.NewNop())
	require.NoError(t, err)

	res = submit(t, c, "a", 100)
	assert.False(t, res.Rejected)
	assert.Equal(t, "Round 2 of 3: 1/4 submitted", res.RoundStatus)
}

func TestClosureAdoptsRowsWrittenElsewhere(t *testing.T) {
	store := ledger.NewMemory()
	p := testParams()
	c := newTestCoordinator(t, p, store)
	submit(t, c, "a", 0)
	submit(t, c, "b", 0)
	submit(t, c, "c", 0)

	require.NoError(t, store.Append(context.Background(), Settle(p, c.state.SessionID, 1,
		entries("a", 0, "x", 0, "y", 0, "z", 0), fixedNow())...))

	res := submit(t, c, "d", 0)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Message, "Round 1 has already closed")
	assert.Equal(t, []string{"a", "x", "y", "z"}, c.state.Cohort())
	assert.Len(t, sessionRows(t, store, c.state.SessionID), 4)
}

func TestRefreshIsIdempotent(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)

	empty, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Contains(t, empty.Message, "No rounds have been completed")

	for _, id := range []string{"a", "b", "c", "d"} {
		submit(t, c, id, 2500)
	}
	submit(t, c, "a", 100)

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)
	second, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first.Message, "Round 1 results")
	assert.NotContains(t, first.Message, "Round 2 results")
	assert.Len(t, first.Table, 4)
	assert.Equal(t, "Round 2 of 3: 1/4 submitted", first.RoundStatus)
}

func TestRefreshSeesOtherWriters(t *testing.T) {
	store := ledger.NewMemory()
	c := newTestCoordinator(t, testParams(), store)
	require.NoError(t, store.Append(context.Background(), Settle(c.params, c.state.SessionID, 1,
		entries("x", 0, "y", 0, "z", 0, "w", 0), fixedNow())...))

	res, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Table, 4)
	assert.Contains(t, res.Message, "- x contributed 0, payoff 10000")
}

func TestConcurrentSubmitsRespectCapacity(t *testing.T) {
	p := testParams()
	p.TotalRounds = 1
	p.AutoReset = false
	store := ledger.NewMemory()
	c := newTestCoordinator(t, p, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), fmt.Sprintf("p%d", i), decimal.NewFromInt(100))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rows := sessionRows(t, store, c.state.SessionID)
	assert.Len(t, rows, p.NumParticipants)
	assert.True(t, c.state.Complete())
}

func TestRoundClosedObserver(t *testing.T) {
	c := newTestCoordinator(t, testParams(), ledger.NewMemory())

	var got []int
	c.OnRoundClosed(func(sessionID string, round int, summary string) {
		assert.Equal(t, c.state.SessionID, sessionID)
		assert.Contains(t, summary, "results")
		got = append(got, round)
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		submit(t, c, id, 0)
	}
	submit(t, c, "a", 0)
	assert.Equal(t, []int{1}, got)
}
