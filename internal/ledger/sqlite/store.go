// Package sqlite provides an embedded SQLite-backed settlement ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/susu3304/kifubot/internal/ledger"
)

// physicalColumns mirrors ledger.Columns in the settlements table.
var physicalColumns = []string{
	"round",
	"participant_id",
	"contribution",
	"private_account",
	"public_share",
	"final_payoff",
	"recorded_at",
	"session_id",
}

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
	round INTEGER NOT NULL,
	participant_id TEXT NOT NULL,
	contribution TEXT NOT NULL,
	private_account TEXT NOT NULL,
	public_share TEXT NOT NULL,
	final_payoff TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	UNIQUE (session_id, round, participant_id)
);
CREATE TABLE IF NOT EXISTS experiment_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const currentSessionKey = "current_session_id"

// Store persists settlements in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite ledger file. The schema is created by EnsureHeader.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps appends serialized inside the file.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) EnsureHeader(ctx context.Context, columns []string) error {
	if err := ledger.CheckHeader(columns, ledger.Columns); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM pragma_table_info('settlements') ORDER BY cid`)
	if err != nil {
		return fmt.Errorf("read settlements columns: %w", err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		got = append(got, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read settlements columns: %w", err)
	}
	return ledger.CheckHeader(got, physicalColumns)
}

func (s *Store) Append(ctx context.Context, records ...ledger.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settlements (
			   round, participant_id, contribution, private_account,
			   public_share, final_payoff, recorded_at, session_id
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Round,
			r.ParticipantID,
			r.Contribution.String(),
			r.PrivateAccount.String(),
			r.PublicShare.String(),
			r.FinalPayoff.String(),
			toMillis(r.Timestamp),
			r.SessionID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: session %s round %d participant %s", ledger.ErrDuplicateRecord, r.SessionID, r.Round, r.ParticipantID)
			}
			return fmt.Errorf("insert settlement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *Store) ReadAll(ctx context.Context) ([]ledger.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT round, participant_id, contribution, private_account,
		        public_share, final_payoff, recorded_at, session_id
		   FROM settlements
		  ORDER BY rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("read settlements: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			r                                      ledger.Record
			contribution, private, public, payoff string
			recordedAt                             int64
		)
		if err := rows.Scan(&r.Round, &r.ParticipantID, &contribution, &private, &public, &payoff, &recordedAt, &r.SessionID); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		if r.Contribution, err = decimal.NewFromString(contribution); err != nil {
			return nil, fmt.Errorf("parse contribution: %w", err)
		}
		if r.PrivateAccount, err = decimal.NewFromString(private); err != nil {
			return nil, fmt.Errorf("parse private account: %w", err)
		}
		if r.PublicShare, err = decimal.NewFromString(public); err != nil {
			return nil, fmt.Errorf("parse public share: %w", err)
		}
		if r.FinalPayoff, err = decimal.NewFromString(payoff); err != nil {
			return nil, fmt.Errorf("parse final payoff: %w", err)
		}
		r.Timestamp = fromMillis(recordedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read settlements: %w", err)
	}
	return out, nil
}

func (s *Store) CurrentSessionID(ctx context.Context) (string, error) {
	var id string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM experiment_meta WHERE key = ?`, currentSessionKey).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read current session: %w", err)
	}
	return id, nil
}

func (s *Store) SetCurrentSessionID(ctx context.Context, id string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO experiment_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		currentSessionKey, id,
	)
	if err != nil {
		return fmt.Errorf("write current session: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ ledger.Store = (*Store)(nil)
