package memory

import (
	"context"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
)

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) CompleteCheckout(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.IdempotencyKey == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactionsByIdem[tx.IdempotencyKey]; ok {
		return cloneTransaction(existing), store.ErrTransactionAlreadyExists
	}

	var session *domain.PosSession
	if tx.SessionID != "" {
		found, ok := s.sessionsByID[tx.SessionID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if found.Status != domain.SessionStatusActive || found.CheckoutKey != tx.IdempotencyKey {
			return nil, store.ErrSessionNotActive
		}
		session = found
	}

	tx.Status = domain.TxStatusCompleted
	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	s.transactionsByIdem[tx.IdempotencyKey] = stored

	if session != nil {
		completedAt := tx.CreatedAt
		session.Status = domain.SessionStatusCompleted
		session.TransactionID = tx.ID
		session.CompletedAt = &completedAt
		session.UpdatedAt = completedAt
		session.CheckoutKey = ""
		session.CheckoutStartedAt = nil
		session.Version++
		key := mapKey(session.StoreID, session.TerminalID)
		if s.openSessionByTerminal[key] == session.ID {
			delete(s.openSessionByTerminal, key)
		}
	}
	return cloneTransaction(stored), nil
}

func (s *Store) VoidTransaction(_ context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, store.ErrInvalidTransaction
	}

	for _, item := range tx.Items {
		remaining := item.Qty - item.RefundedQty
		if remaining <= 0 {
			continue
		}
		if _, err := s.restockLocked(tx.StoreID, item.SKU, remaining, at); err != nil {
			return nil, err
		}
	}

	tx.Status = domain.TxStatusVoid
	tx.VoidReason = reason
	tx.VoidedAt = &at
	return cloneTransaction(tx), nil
}

func (s *Store) RecordRefund(_ context.Context, id string, lines []domain.RefundLine, at time.Time) (*domain.Transaction, error) {
	if len(lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, store.ErrInvalidTransaction
	}

	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 {
			return nil, store.ErrInvalidTransaction
		}
		requested[line.SKU] += line.Qty
	}
	for sku, qty := range requested {
		idx := transactionItemIndex(tx, sku)
		if idx < 0 || tx.Items[idx].RefundedQty+qty > tx.Items[idx].Qty {
			return nil, store.ErrInvalidTransaction
		}
	}

	for sku, qty := range requested {
		if _, err := s.restockLocked(tx.StoreID, sku, qty, at); err != nil {
			return nil, err
		}
		tx.Items[transactionItemIndex(tx, sku)].RefundedQty += qty
	}

	fullyRefunded := true
	for _, item := range tx.Items {
		if item.RefundedQty < item.Qty {
			fullyRefunded = false
			break
		}
	}
	if fullyRefunded {
		tx.Status = domain.TxStatusRefunded
		tx.RefundedAt = &at
	}
	return cloneTransaction(tx), nil
}

func (s *Store) restockLocked(storeID string, sku string, qty int, at time.Time) (*domain.InventoryUnit, error) {
	if _, ok := s.inventory[storeID]; !ok {
		s.inventory[storeID] = make(map[string]*domain.InventoryUnit)
	}
	if _, ok := s.inventory[storeID][sku]; !ok {
		s.inventory[storeID][sku] = &domain.InventoryUnit{StoreID: storeID, SKU: sku}
	}
	return s.adjustLocked(storeID, sku, domain.InventoryDelta{Count: qty, Available: qty}, at)
}

func transactionItemIndex(tx *domain.Transaction, sku string) int {
	for i, item := range tx.Items {
		if item.SKU == sku {
			return i
		}
	}
	return -1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.TransactionItem, len(src.Items))
	copy(dup.Items, src.Items)
	dup.PromoClaims = make([]domain.PromoClaim, len(src.PromoClaims))
	copy(dup.PromoClaims, src.PromoClaims)
	return &dup
}
