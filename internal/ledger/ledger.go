// Package ledger defines the append-only settlement store the experiment
// writes to and recovers from, plus the small side record that remembers the
// current session.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrHeaderMismatch means the store's columns differ from Columns.
	ErrHeaderMismatch = errors.New("ledger header does not match expected columns")
	// ErrLedgerUnavailable is returned once retries against the store are exhausted.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrDuplicateRecord means a (session, round, participant) row already exists.
	ErrDuplicateRecord = errors.New("settlement record already exists")
)

// Columns is the order-significant schema of every ledger row.
var Columns = []string{
	"round",
	"participantId",
	"contribution",
	"privateAccount",
	"publicShare",
	"finalPayoff",
	"timestamp",
	"sessionId",
}

// TimestampLayout is the textual timestamp format used in row maps.
const TimestampLayout = "2006-01-02 15:04:05"

// Record is one settlement row. Records are never updated after Append.
type Record struct {
	Round          int             `json:"round"`
	ParticipantID  string          `json:"participant_id"`
	Contribution   decimal.Decimal `json:"contribution"`
	PrivateAccount decimal.Decimal `json:"private_account"`
	PublicShare    decimal.Decimal `json:"public_share"`
	FinalPayoff    decimal.Decimal `json:"final_payoff"`
	Timestamp      time.Time       `json:"timestamp"`
	SessionID      string          `json:"session_id"`
}

// Fields returns the row values in Columns order.
func (r Record) Fields() []any {
	return []any{
		r.Round,
		r.ParticipantID,
		r.Contribution,
		r.PrivateAccount,
		r.PublicShare,
		r.FinalPayoff,
		r.Timestamp,
		r.SessionID,
	}
}

// Map returns the row as column name to textual value.
func (r Record) Map() map[string]string {
	return map[string]string{
		"round":          strconv.Itoa(r.Round),
		"participantId":  r.ParticipantID,
		"contribution":   r.Contribution.String(),
		"privateAccount": r.PrivateAccount.String(),
		"publicShare":    r.PublicShare.String(),
		"finalPayoff":    r.FinalPayoff.String(),
		"timestamp":      r.Timestamp.Format(TimestampLayout),
		"sessionId":      r.SessionID,
	}
}

// Ledger is the append-only settlement store.
type Ledger interface {
	// EnsureHeader creates the schema when missing and fails with
	// ErrHeaderMismatch when an existing one has different columns.
	EnsureHeader(ctx context.Context, columns []string) error
	// Append writes all records or none of them. A batch that repeats an
	// existing (session, round, participant) fails with ErrDuplicateRecord.
	Append(ctx context.Context, records ...Record) error
	// ReadAll returns every record in append order.
	ReadAll(ctx context.Context) ([]Record, error)
}

// SessionStore persists the current session identifier next to the ledger.
type SessionStore interface {
	// CurrentSessionID returns "" when no session was ever started.
	CurrentSessionID(ctx context.Context) (string, error)
	SetCurrentSessionID(ctx context.Context, id string) error
}

// Store is a backend that provides both the ledger and the session record.
type Store interface {
	Ledger
	SessionStore
}

// ForSession returns the records tagged with sessionID, keeping append order.
func ForSession(records []Record, sessionID string) []Record {
	var out []Record
	for _, r := range records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

// Key identifies the single record a participant may hold in a round.
type Key struct {
	SessionID     string
	Round         int
	ParticipantID string
}

func (r Record) Key() Key {
	return Key{SessionID: r.SessionID, Round: r.Round, ParticipantID: r.ParticipantID}
}

// CheckHeader compares an existing header against the expected one.
func CheckHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: got %v, want %v", ErrHeaderMismatch, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrHeaderMismatch, i+1, got[i], want[i])
		}
	}
	return nil
}
