package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

func (s *Store) AppendRewardTransaction(_ context.Context, entry domain.RewardTransaction) (*domain.RewardTransaction, bool, error) {
	if strings.TrimSpace(entry.CustomerID) == "" || strings.TrimSpace(entry.StoreID) == "" || strings.TrimSpace(entry.IdempotencyKey) == "" {
		return nil, false, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accountKey := mapKey(entry.StoreID, entry.CustomerID)
	if existing, ok := s.rewardByKey[mapKey(accountKey, entry.IdempotencyKey)]; ok {
		return &existing, false, nil
	}

	balance, ok := s.rewardBalances[accountKey]
	if !ok {
		balance = &domain.RewardPoints{CustomerID: entry.CustomerID, StoreID: entry.StoreID}
	}
	if balance.Points+entry.Points < 0 {
		return nil, false, store.ErrInsufficientPoints
	}

	if entry.ID == "" {
		entry.ID = xid.New("rwd")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	balance.Points += entry.Points
	balance.UpdatedAt = entry.CreatedAt

	s.rewardBalances[accountKey] = balance
	s.rewardEntries[accountKey] = append(s.rewardEntries[accountKey], entry)
	s.rewardByKey[mapKey(accountKey, entry.IdempotencyKey)] = entry
	return &entry, true, nil
}

func (s *Store) GetRewardPoints(_ context.Context, storeID string, customerID string) (*domain.RewardPoints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance, ok := s.rewardBalances[mapKey(storeID, customerID)]
	if !ok {
		return &domain.RewardPoints{CustomerID: customerID, StoreID: storeID}, nil
	}
	result := *balance
	return &result, nil
}

func (s *Store) ListRewardTransactions(_ context.Context, storeID string, customerID string, limit int) ([]domain.RewardTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.rewardEntries[mapKey(storeID, customerID)]
	result := make([]domain.RewardTransaction, len(entries))
	copy(result, entries)
	slices.Reverse(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
