package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
)

const unitColumns = `store_id, sku, inventory_count, quantity_available, updated_at`

func (s *Store) GetInventoryUnits(ctx context.Context, storeID string, skus []string) (map[string]domain.InventoryUnit, error) {
	result := make(map[string]domain.InventoryUnit, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM inventory_units
		WHERE store_id = $1 AND sku = ANY($2)
	`, storeID, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		result[unit.SKU] = *unit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AdjustInventory(ctx context.Context, storeID string, sku string, delta domain.InventoryDelta) (*domain.InventoryUnit, error) {
	return adjustInventory(ctx, s.db, storeID, sku, delta)
}

func (s *Store) ReceiveInventory(ctx context.Context, storeID string, sku string, qty int) (*domain.InventoryUnit, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(sku) == "" || qty <= 0 {
		return nil, store.ErrInvalidTransaction
	}
	return restock(ctx, s.db, storeID, sku, qty)
}

// adjustInventory applies delta in one conditional statement. The WHERE
// clause evaluates the same expressions as the SET list, so a row is only
// written when the result keeps 0 <= available <= count.
func adjustInventory(ctx context.Context, q querier, storeID string, sku string, delta domain.InventoryDelta) (*domain.InventoryUnit, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE inventory_units
		SET inventory_count = inventory_count + $3::int,
			quantity_available = CASE WHEN $5::bool
				THEN LEAST(quantity_available + $4::int, inventory_count + $3::int)
				ELSE quantity_available + $4::int END,
			updated_at = now()
		WHERE store_id = $1 AND sku = $2
			AND inventory_count + $3::int >= 0
			AND (CASE WHEN $5::bool
				THEN LEAST(quantity_available + $4::int, inventory_count + $3::int)
				ELSE quantity_available + $4::int END) BETWEEN 0 AND inventory_count + $3::int
		RETURNING `+unitColumns,
		storeID, sku, delta.Count, delta.Available, delta.Clamp)

	unit, err := scanUnit(row)
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM inventory_units WHERE store_id = $1 AND sku = $2)
	`, storeID, sku).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrInsufficientInventory
}

// restock adds qty to both counters and creates the unit when it is missing.
func restock(ctx context.Context, q querier, storeID string, sku string, qty int) (*domain.InventoryUnit, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO inventory_units (store_id, sku, inventory_count, quantity_available, updated_at)
		VALUES ($1,$2,$3,$3,now())
		ON CONFLICT (store_id, sku)
		DO UPDATE SET
			inventory_count = inventory_units.inventory_count + EXCLUDED.inventory_count,
			quantity_available = inventory_units.quantity_available + EXCLUDED.quantity_available,
			updated_at = now()
		RETURNING `+unitColumns,
		storeID, sku, qty)
	return scanUnit(row)
}

func scanUnit(row scanner) (*domain.InventoryUnit, error) {
	var unit domain.InventoryUnit
	if err := row.Scan(&unit.StoreID, &unit.SKU, &unit.InventoryCount, &unit.QuantityAvailable, &unit.UpdatedAt); err != nil {
		return nil, err
	}
	unit.UpdatedAt = unit.UpdatedAt.UTC()
	return &unit, nil
}
