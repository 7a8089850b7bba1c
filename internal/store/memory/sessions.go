package memory

import (
	"context"
	"strings"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

func (s *Store) CreateSession(_ context.Context, session domain.PosSession, leaseCutoff time.Time) (*domain.PosSession, error) {
	if strings.TrimSpace(session.StoreID) == "" || strings.TrimSpace(session.TerminalID) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := mapKey(session.StoreID, session.TerminalID)
	if openID, ok := s.openSessionByTerminal[key]; ok {
		if existing, found := s.sessionsByID[openID]; found && !existing.IsTerminal() {
			if !existing.IsExpired(session.CreatedAt) || existing.CheckoutLeaseActive(leaseCutoff) {
				return nil, store.ErrTerminalBusy
			}
			expireSession(existing, session.CreatedAt)
		}
		delete(s.openSessionByTerminal, key)
	}

	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	session.Status = domain.SessionStatusActive
	session.Version = 1
	stored := cloneSession(&session)
	s.sessionsByID[session.ID] = stored
	s.openSessionByTerminal[key] = session.ID
	return cloneSession(stored), nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.PosSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) GetOpenSession(_ context.Context, storeID string, terminalID string) (*domain.PosSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByTerminal[mapKey(storeID, terminalID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	session, ok := s.sessionsByID[id]
	if !ok || session.IsTerminal() {
		return nil, store.ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) SaveSession(_ context.Context, session domain.PosSession) (*domain.PosSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessionsByID[session.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Version != session.Version {
		return nil, store.ErrConflict
	}
	if existing.IsTerminal() {
		return nil, store.ErrSessionNotActive
	}

	session.Version++
	stored := cloneSession(&session)
	s.sessionsByID[session.ID] = stored
	if stored.IsTerminal() {
		key := mapKey(stored.StoreID, stored.TerminalID)
		if s.openSessionByTerminal[key] == stored.ID {
			delete(s.openSessionByTerminal, key)
		}
	}
	return cloneSession(stored), nil
}

func (s *Store) VoidExpiredSessions(_ context.Context, at time.Time, leaseCutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	voided := make([]string, 0)
	for key, id := range s.openSessionByTerminal {
		session, ok := s.sessionsByID[id]
		if !ok {
			delete(s.openSessionByTerminal, key)
			continue
		}
		if !session.IsExpired(at) || session.CheckoutLeaseActive(leaseCutoff) {
			continue
		}
		expireSession(session, at)
		delete(s.openSessionByTerminal, key)
		voided = append(voided, id)
	}
	return voided, nil
}

func expireSession(session *domain.PosSession, at time.Time) {
	session.Status = domain.SessionStatusVoid
	session.VoidReason = domain.VoidReasonExpired
	session.VoidedAt = &at
	session.UpdatedAt = at
	session.CheckoutKey = ""
	session.CheckoutStartedAt = nil
	session.Version++
}

func cloneSession(src *domain.PosSession) *domain.PosSession {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.SessionItem, len(src.Items))
	copy(dup.Items, src.Items)
	return &dup
}
