package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/ledger"
)

// SessionManager owns the current session identifier and keeps it in the
// store's side record so that a restart resumes the same session.
type SessionManager struct {
	store  ledger.SessionStore
	now    func() time.Time
	logger *zap.Logger
}

func NewSessionManager(store ledger.SessionStore, now func() time.Time, logger *zap.Logger) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{store: store, now: now, logger: logger}
}

// CurrentSessionID returns the persisted identifier, "" if none.
func (m *SessionManager) CurrentSessionID(ctx context.Context) (string, error) {
	id, err := m.store.CurrentSessionID(ctx)
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	return id, nil
}

// StartNewSession generates and persists a fresh identifier. The identifier
// is only adopted once it has been stored.
func (m *SessionManager) StartNewSession(ctx context.Context) (string, error) {
	id, err := newSessionID(m.now())
	if err != nil {
		return "", err
	}
	if err := m.store.SetCurrentSessionID(ctx, id); err != nil {
		return "", fmt.Errorf("persist session %s: %w", id, err)
	}
	m.logger.Info("Started new session", zap.String("session", id))
	return id, nil
}

// newSessionID is time-derived with a random suffix from a v7 UUID, so two
// sessions started in the same second still differ.
func newSessionID(now time.Time) (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	s := u.String()
	return now.UTC().Format("20060102-150405") + "-" + s[len(s)-8:], nil
}
