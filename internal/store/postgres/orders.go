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

const orderItemColumns = `id, order_id, store_id, sku, qty, ready, cancelled, created_at, updated_at, ready_at`

// CreateOrderItem reserves the units and inserts the line in one
// transaction.
func (s *Store) CreateOrderItem(ctx context.Context, item domain.OnlineOrderItem) (*domain.OnlineOrderItem, error) {
	if strings.TrimSpace(item.StoreID) == "" || strings.TrimSpace(item.SKU) == "" || item.Qty <= 0 {
		return nil, store.ErrInvalidTransaction
	}
	if item.ID == "" {
		item.ID = xid.New("ordi")
	}
	item.Ready = false
	item.Cancelled = false
	item.UpdatedAt = item.CreatedAt

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := adjustInventory(ctx, pgTx, item.StoreID, item.SKU, domain.InventoryDelta{Available: -item.Qty}); err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO online_order_items (`+orderItemColumns+`)
		VALUES ($1,$2,$3,$4,$5,false,false,$6,$6,NULL)
	`, item.ID, item.OrderID, item.StoreID, item.SKU, item.Qty, item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetOrderItem(ctx context.Context, id string) (*domain.OnlineOrderItem, error) {
	item, err := scanOrderItem(s.db.QueryRowContext(ctx, `SELECT `+orderItemColumns+` FROM online_order_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// SetOrderItemReady locks the row, compares the applied flag and moves the
// count only on a change, so redelivered commands are no-ops.
func (s *Store) SetOrderItemReady(ctx context.Context, id string, ready bool, at time.Time) (*domain.OnlineOrderItem, bool, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	item, err := lockOrderItem(ctx, pgTx, id)
	if err != nil {
		return nil, false, err
	}
	if item.Cancelled {
		return nil, false, store.ErrInvalidTransaction
	}
	if item.Ready == ready {
		return item, false, nil
	}

	delta := domain.InventoryDelta{Count: item.Qty}
	if ready {
		delta.Count = -item.Qty
	}
	if _, err := adjustInventory(ctx, pgTx, item.StoreID, item.SKU, delta); err != nil {
		return nil, false, err
	}

	var readyAt *time.Time
	if ready {
		readyAt = &at
	}
	updated, err := scanOrderItem(pgTx.QueryRowContext(ctx, `
		UPDATE online_order_items
		SET ready = $2, ready_at = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+orderItemColumns,
		id, ready, nullTime(readyAt), at))
	if err != nil {
		return nil, false, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (s *Store) CancelOrderItem(ctx context.Context, id string, at time.Time) (*domain.OnlineOrderItem, bool, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	item, err := lockOrderItem(ctx, pgTx, id)
	if err != nil {
		return nil, false, err
	}
	if item.Cancelled {
		return item, false, nil
	}

	delta := domain.InventoryDelta{Available: item.Qty, Clamp: true}
	if item.Ready {
		delta = domain.InventoryDelta{Count: item.Qty, Available: item.Qty}
	}
	if _, err := adjustInventory(ctx, pgTx, item.StoreID, item.SKU, delta); err != nil {
		return nil, false, err
	}

	updated, err := scanOrderItem(pgTx.QueryRowContext(ctx, `
		UPDATE online_order_items
		SET cancelled = true, updated_at = $2
		WHERE id = $1
		RETURNING `+orderItemColumns,
		id, at))
	if err != nil {
		return nil, false, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func lockOrderItem(ctx context.Context, q querier, id string) (*domain.OnlineOrderItem, error) {
	item, err := scanOrderItem(q.QueryRowContext(ctx, `
		SELECT `+orderItemColumns+`
		FROM online_order_items
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func scanOrderItem(row scanner) (*domain.OnlineOrderItem, error) {
	var item domain.OnlineOrderItem
	var readyAt sql.NullTime
	err := row.Scan(&item.ID, &item.OrderID, &item.StoreID, &item.SKU, &item.Qty, &item.Ready, &item.Cancelled, &item.CreatedAt, &item.UpdatedAt, &readyAt)
	if err != nil {
		return nil, err
	}
	item.ReadyAt = timePtr(readyAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}
