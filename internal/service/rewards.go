package service

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

const defaultRewardHistoryLimit = 50

// Award credits points once per idempotency key. A repeated key returns the
// entry that was recorded first and applied=false.
func (s *Service) Award(ctx context.Context, storeID string, customerID string, points int64, reason string, key string) (domain.RewardTransaction, bool, error) {
	if points <= 0 {
		return domain.RewardTransaction{}, false, store.ErrInvalidTransaction
	}
	return s.appendReward(ctx, storeID, customerID, points, reason, key, "")
}

// Spend debits points once per idempotency key and fails with
// ErrInsufficientPoints instead of letting the balance go negative.
func (s *Service) Spend(ctx context.Context, storeID string, customerID string, points int64, reason string, key string) (domain.RewardTransaction, bool, error) {
	if points <= 0 {
		return domain.RewardTransaction{}, false, store.ErrInvalidTransaction
	}
	return s.appendReward(ctx, storeID, customerID, -points, reason, key, "")
}

func (s *Service) GetRewards(ctx context.Context, storeID string, customerID string, limit int) (domain.RewardsResponse, error) {
	storeID = s.storeIDOr(storeID)
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.RewardsResponse{}, store.ErrInvalidTransaction
	}
	if limit <= 0 {
		limit = defaultRewardHistoryLimit
	}

	balance, err := s.repo.GetRewardPoints(ctx, storeID, customerID)
	if err != nil {
		return domain.RewardsResponse{}, errors.Wrap(err, "get reward balance")
	}
	history, err := s.repo.ListRewardTransactions(ctx, storeID, customerID, limit)
	if err != nil {
		return domain.RewardsResponse{}, errors.Wrap(err, "list reward history")
	}
	return domain.RewardsResponse{Balance: *balance, History: history}, nil
}

func (s *Service) appendReward(ctx context.Context, storeID string, customerID string, points int64, reason string, key string, orderID string) (domain.RewardTransaction, bool, error) {
	customerID = strings.TrimSpace(customerID)
	key = strings.TrimSpace(key)
	if customerID == "" || key == "" {
		return domain.RewardTransaction{}, false, store.ErrInvalidTransaction
	}

	entry, applied, err := s.repo.AppendRewardTransaction(ctx, domain.RewardTransaction{
		ID:             xid.New("rwd"),
		CustomerID:     customerID,
		StoreID:        s.storeIDOr(storeID),
		Points:         points,
		Reason:         reason,
		IdempotencyKey: key,
		OrderID:        orderID,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return domain.RewardTransaction{}, false, err
	}
	return *entry, applied, nil
}

func purchaseRewardKey(txID string) string { return "purchase:" + txID }
func purchaseReversalRewardKey(txID string) string { return "purchase-reversal:" + txID }
func redeemRewardKey(txID string) string { return "redeem:" + txID }
func redeemReversalRewardKey(txID string) string { return "redeem-reversal:" + txID }
func voidRewardKey(txID string) string { return "void:" + txID }
func voidRedeemRewardKey(txID string) string { return "void-redeem:" + txID }
