package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory is an in-process Store. It backs LEDGER_DRIVER=memory and tests.
type Memory struct {
	mu        sync.RWMutex
	header    []string
	records   []Record
	sessionID string
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) EnsureHeader(ctx context.Context, columns []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.header == nil {
		m.header = slices.Clone(columns)
		return nil
	}
	return CheckHeader(m.header, columns)
}

func (m *Memory) Append(ctx context.Context, records ...Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[Key]struct{}, len(m.records)+len(records))
	for _, r := range m.records {
		seen[r.Key()] = struct{}{}
	}
	for _, r := range records {
		if _, dup := seen[r.Key()]; dup {
			return fmt.Errorf("%w: session %s round %d participant %s", ErrDuplicateRecord, r.SessionID, r.Round, r.ParticipantID)
		}
		seen[r.Key()] = struct{}{}
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *Memory) ReadAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.records), nil
}

func (m *Memory) CurrentSessionID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID, nil
}

func (m *Memory) SetCurrentSessionID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
	return nil
}
