package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

const rewardColumns = `id, customer_id, store_id, points, reason, idempotency_key, order_id, created_at`

// AppendRewardTransaction inserts the entry and moves the balance in one
// transaction. The unique (store, customer, key) index turns a repeated key
// into a no-op that returns the stored entry.
func (s *Store) AppendRewardTransaction(ctx context.Context, entry domain.RewardTransaction) (*domain.RewardTransaction, bool, error) {
	if strings.TrimSpace(entry.CustomerID) == "" || strings.TrimSpace(entry.StoreID) == "" || strings.TrimSpace(entry.IdempotencyKey) == "" {
		return nil, false, store.ErrInvalidTransaction
	}
	if entry.ID == "" {
		entry.ID = xid.New("rwd")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var insertedID string
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO reward_transactions (`+rewardColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (store_id, customer_id, idempotency_key) DO NOTHING
		RETURNING id
	`, entry.ID, entry.CustomerID, entry.StoreID, entry.Points, entry.Reason, entry.IdempotencyKey, entry.OrderID, entry.CreatedAt).Scan(&insertedID)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := scanReward(pgTx.QueryRowContext(ctx, `
			SELECT `+rewardColumns+`
			FROM reward_transactions
			WHERE store_id = $1 AND customer_id = $2 AND idempotency_key = $3
		`, entry.StoreID, entry.CustomerID, entry.IdempotencyKey))
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO reward_points (store_id, customer_id, points, updated_at)
		VALUES ($1,$2,0,$3)
		ON CONFLICT (store_id, customer_id) DO NOTHING
	`, entry.StoreID, entry.CustomerID, entry.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	var balance int64
	err = pgTx.QueryRowContext(ctx, `
		UPDATE reward_points
		SET points = points + $3::bigint, updated_at = $4
		WHERE store_id = $1 AND customer_id = $2 AND points + $3::bigint >= 0
		RETURNING points
	`, entry.StoreID, entry.CustomerID, entry.Points, entry.CreatedAt).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, store.ErrInsufficientPoints
		}
		return nil, false, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (s *Store) GetRewardPoints(ctx context.Context, storeID string, customerID string) (*domain.RewardPoints, error) {
	balance := domain.RewardPoints{StoreID: storeID, CustomerID: customerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT points, updated_at
		FROM reward_points
		WHERE store_id = $1 AND customer_id = $2
	`, storeID, customerID).Scan(&balance.Points, &balance.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	balance.UpdatedAt = balance.UpdatedAt.UTC()
	return &balance, nil
}

func (s *Store) ListRewardTransactions(ctx context.Context, storeID string, customerID string, limit int) ([]domain.RewardTransaction, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rewardColumns+`
		FROM reward_transactions
		WHERE store_id = $1 AND customer_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, storeID, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.RewardTransaction, 0, limit)
	for rows.Next() {
		entry, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanReward(row scanner) (*domain.RewardTransaction, error) {
	var entry domain.RewardTransaction
	err := row.Scan(&entry.ID, &entry.CustomerID, &entry.StoreID, &entry.Points, &entry.Reason, &entry.IdempotencyKey, &entry.OrderID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}
