package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
)

const transactionColumns = `id, store_id, terminal_id, session_id, cashier_id, customer_id, idempotency_key,
	payment_method, payment_reference, subtotal_cents, discount_cents, points_discount_cents, tax_cents,
	total_cents, cash_received_cents, change_cents, promo_code_id, promo_code, promo_claims, points_awarded,
	points_redeemed, status, void_reason, created_at, voided_at, refunded_at`

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, s.db, "id", id, false)
}

func (s *Store) findTransaction(ctx context.Context, q querier, column string, value string, lock bool) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, errors.Errorf("unsupported lookup column %q", column)
	}
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s = $1`, transactionColumns, column)
	if lock {
		query += ` FOR UPDATE`
	}

	tx, err := scanTransaction(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT sku, name, qty, unit_price_cents, discount_cents, line_total_cents, refunded_qty
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no ASC
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionItem, 0, 8)
	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.SKU, &item.Name, &item.Qty, &item.UnitPriceCents, &item.DiscountCents, &item.LineTotalCents, &item.RefundedQty); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tx.Items = items
	return tx, nil
}

// CompleteCheckout inserts the sale and completes its session in one
// transaction. The session must still be open and leased to this
// idempotency key.
func (s *Store) CompleteCheckout(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.IdempotencyKey == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	tx.Status = domain.TxStatusCompleted

	claims, err := json.Marshal(promoClaims(tx.PromoClaims))
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if tx.SessionID != "" {
		var status, checkoutKey string
		err := pgTx.QueryRowContext(ctx, `
			SELECT status, checkout_key
			FROM pos_sessions
			WHERE id = $1
			FOR UPDATE
		`, tx.SessionID).Scan(&status, &checkoutKey)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if existing, err := s.findTransaction(ctx, pgTx, "idempotency_key", tx.IdempotencyKey, false); err == nil {
			return existing, store.ErrTransactionAlreadyExists
		}
		if status != domain.SessionStatusActive || checkoutKey != tx.IdempotencyKey {
			return nil, store.ErrSessionNotActive
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, tx.ID, tx.StoreID, tx.TerminalID, tx.SessionID, tx.CashierID, tx.CustomerID, tx.IdempotencyKey,
		tx.PaymentMethod, tx.PaymentReference, tx.SubtotalCents, tx.DiscountCents, tx.PointsDiscountCents, tx.TaxCents,
		tx.TotalCents, tx.CashReceivedCents, tx.ChangeCents, tx.PromoCodeID, tx.PromoCode, claims, tx.PointsAwarded,
		tx.PointsRedeemed, tx.Status, tx.VoidReason, tx.CreatedAt, nullTime(tx.VoidedAt), nullTime(tx.RefundedAt))
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindTransactionByIdempotency(ctx, tx.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			return existing, store.ErrTransactionAlreadyExists
		}
		return nil, err
	}

	for i, item := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				transaction_id, line_no, sku, name, qty, unit_price_cents, discount_cents, line_total_cents, refunded_qty
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0)
		`, tx.ID, i+1, item.SKU, item.Name, item.Qty, item.UnitPriceCents, item.DiscountCents, item.LineTotalCents)
		if err != nil {
			return nil, err
		}
		tx.Items[i].RefundedQty = 0
	}

	if tx.SessionID != "" {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE pos_sessions
			SET status = $2, transaction_id = $3, completed_at = $4, updated_at = $4,
				checkout_key = '', checkout_started_at = NULL, version = version + 1
			WHERE id = $1
		`, tx.SessionID, domain.SessionStatusCompleted, tx.ID, tx.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) VoidTransaction(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.findTransaction(ctx, pgTx, "id", id, true)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, store.ErrInvalidTransaction
	}

	for _, item := range tx.Items {
		remaining := item.Qty - item.RefundedQty
		if remaining <= 0 {
			continue
		}
		if _, err := restock(ctx, pgTx, tx.StoreID, item.SKU, remaining); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1
	`, id, domain.TxStatusVoid, reason, at)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	tx.Status = domain.TxStatusVoid
	tx.VoidReason = reason
	tx.VoidedAt = &at
	return tx, nil
}

func (s *Store) RecordRefund(ctx context.Context, id string, lines []domain.RefundLine, at time.Time) (*domain.Transaction, error) {
	if len(lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 {
			return nil, store.ErrInvalidTransaction
		}
		requested[line.SKU] += line.Qty
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.findTransaction(ctx, pgTx, "id", id, true)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, store.ErrInvalidTransaction
	}

	index := make(map[string]int, len(tx.Items))
	for i, item := range tx.Items {
		index[item.SKU] = i
	}
	for sku, qty := range requested {
		i, ok := index[sku]
		if !ok || tx.Items[i].RefundedQty+qty > tx.Items[i].Qty {
			return nil, store.ErrInvalidTransaction
		}
	}

	for sku, qty := range requested {
		if _, err := restock(ctx, pgTx, tx.StoreID, sku, qty); err != nil {
			return nil, err
		}
		_, err := pgTx.ExecContext(ctx, `
			UPDATE transaction_items
			SET refunded_qty = refunded_qty + $3
			WHERE transaction_id = $1 AND sku = $2
		`, id, sku, qty)
		if err != nil {
			return nil, err
		}
		tx.Items[index[sku]].RefundedQty += qty
	}

	fullyRefunded := true
	for _, item := range tx.Items {
		if item.RefundedQty < item.Qty {
			fullyRefunded = false
			break
		}
	}
	if fullyRefunded {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE transactions
			SET status = $2, refunded_at = $3
			WHERE id = $1
		`, id, domain.TxStatusRefunded, at)
		if err != nil {
			return nil, err
		}
		tx.Status = domain.TxStatusRefunded
		tx.RefundedAt = &at
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var claims []byte
	var voidedAt, refundedAt sql.NullTime
	err := row.Scan(
		&tx.ID,
		&tx.StoreID,
		&tx.TerminalID,
		&tx.SessionID,
		&tx.CashierID,
		&tx.CustomerID,
		&tx.IdempotencyKey,
		&tx.PaymentMethod,
		&tx.PaymentReference,
		&tx.SubtotalCents,
		&tx.DiscountCents,
		&tx.PointsDiscountCents,
		&tx.TaxCents,
		&tx.TotalCents,
		&tx.CashReceivedCents,
		&tx.ChangeCents,
		&tx.PromoCodeID,
		&tx.PromoCode,
		&claims,
		&tx.PointsAwarded,
		&tx.PointsRedeemed,
		&tx.Status,
		&tx.VoidReason,
		&tx.CreatedAt,
		&voidedAt,
		&refundedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(claims, &tx.PromoClaims); err != nil {
		return nil, errors.Wrapf(err, "decode promo claims of %s", tx.ID)
	}
	tx.VoidedAt = timePtr(voidedAt)
	tx.RefundedAt = timePtr(refundedAt)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func promoClaims(claims []domain.PromoClaim) []domain.PromoClaim {
	if claims == nil {
		return []domain.PromoClaim{}
	}
	return claims
}
