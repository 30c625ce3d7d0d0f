package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/susu3304/kifubot/internal/ledger"
)

const currentSessionKey = "current_session_id"

// settlementColumns mirrors ledger.Columns, after the surrogate id.
var settlementColumns = []string{
	"round",
	"participant_id",
	"contribution",
	"private_account",
	"public_share",
	"final_payoff",
	"recorded_at",
	"session_id",
}

// EnsureHeader runs migrations and verifies the settlements column order.
func (db *DB) EnsureHeader(ctx context.Context, columns []string) error {
	if err := ledger.CheckHeader(columns, ledger.Columns); err != nil {
		return err
	}
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT column_name
		 FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = 'settlements' AND column_name <> 'id'
		 ORDER BY ordinal_position`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		got = append(got, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return ledger.CheckHeader(got, settlementColumns)
}

// Append inserts the records in one transaction.
func (db *DB) Append(ctx context.Context, records ...ledger.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlements (round, participant_id, contribution, private_account, public_share, final_payoff, recorded_at, session_id)
			 VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7, $8)`,
			r.Round, r.ParticipantID,
			r.Contribution.String(), r.PrivateAccount.String(), r.PublicShare.String(), r.FinalPayoff.String(),
			r.Timestamp, r.SessionID,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: session %s round %d participant %s", ledger.ErrDuplicateRecord, r.SessionID, r.Round, r.ParticipantID)
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

// ReadAll returns every settlement in insertion order.
func (db *DB) ReadAll(ctx context.Context) ([]ledger.Record, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT round, participant_id, contribution::text, private_account::text,
		        public_share::text, final_payoff::text, recorded_at, session_id
		 FROM settlements
		 ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			r                                      ledger.Record
			contribution, private, public, payoff string
			recordedAt                             time.Time
		)
		if err := rows.Scan(&r.Round, &r.ParticipantID, &contribution, &private, &public, &payoff, &recordedAt, &r.SessionID); err != nil {
			return nil, err
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
		r.Timestamp = recordedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CurrentSessionID returns "" when no session has been recorded yet.
func (db *DB) CurrentSessionID(ctx context.Context) (string, error) {
	var id string
	err := db.pool.QueryRow(ctx, `SELECT value FROM experiment_meta WHERE key = $1`, currentSessionKey).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (db *DB) SetCurrentSessionID(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO experiment_meta (key, value, updated_at)
		 VALUES ($1, $2, CURRENT_TIMESTAMP)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		currentSessionKey, id,
	)
	return err
}

var _ ledger.Store = (*DB)(nil)
