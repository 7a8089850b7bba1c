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

const promoColumns = `id, store_id, code, discount_type, discount_value, valid_from, valid_until,
	redemption_limit, redemptions, active, created_at`

// promoUsable is the shared claim predicate on promo_codes aliased as p;
// at names the placeholder holding the claim time.
func promoUsable(at string) string {
	return `p.active
	AND (p.valid_from IS NULL OR p.valid_from <= ` + at + `)
	AND (p.valid_until IS NULL OR p.valid_until >= ` + at + `)
	AND (p.redemption_limit IS NULL OR p.redemptions < p.redemption_limit)`
}

func (s *Store) CreatePromoCode(ctx context.Context, promo domain.PromoCode) (*domain.PromoCode, error) {
	if strings.TrimSpace(promo.Code) == "" || strings.TrimSpace(promo.StoreID) == "" || len(promo.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if promo.ID == "" {
		promo.ID = xid.New("promo")
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	promo.Redemptions = 0

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO promo_codes (
			id, store_id, code, discount_type, discount_value, valid_from, valid_until,
			redemption_limit, redemptions, active, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10)
	`, promo.ID, promo.StoreID, promo.Code, promo.DiscountType, promo.DiscountValue,
		nullTime(promo.ValidFrom), nullTime(promo.ValidUntil), nullInt(promo.Limit), promo.Active, promo.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) || isCheckViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	for i := range promo.Items {
		item := &promo.Items[i]
		if item.ID == "" {
			item.ID = xid.New("promoitem")
		}
		item.PromoCodeID = promo.ID
		item.QuantityClaimed = 0
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO promo_code_items (id, promo_code_id, sku, quantity, quantity_claimed)
			VALUES ($1,$2,$3,$4,0)
		`, item.ID, promo.ID, item.SKU, nullInt(item.Quantity))
		if err != nil {
			if isUniqueViolation(err) || isCheckViolation(err) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &promo, nil
}

func (s *Store) GetPromoCode(ctx context.Context, id string) (*domain.PromoCode, error) {
	return s.findPromo(ctx, `id = $1`, id)
}

func (s *Store) GetPromoCodeByCode(ctx context.Context, storeID string, code string) (*domain.PromoCode, error) {
	return s.findPromo(ctx, `store_id = $1 AND code = $2`, storeID, code)
}

func (s *Store) SetPromoCodeActive(ctx context.Context, id string, active bool) (*domain.PromoCode, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var locked string
	err = pgTx.QueryRowContext(ctx, `SELECT id FROM promo_codes WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `UPDATE promo_codes SET active = $2 WHERE id = $1`, id, active); err != nil {
		return nil, err
	}

	promo, err := scanPromo(pgTx.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if promo.Items, err = loadPromoItems(ctx, pgTx, id); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return promo, nil
}

func (s *Store) ClaimPromoRedemption(ctx context.Context, promoCodeID string, at time.Time) (*domain.PromoCode, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE promo_codes p
		SET redemptions = p.redemptions + 1
		WHERE p.id = $1 AND `+promoUsable("$2")+`
		RETURNING `+promoColumns,
		promoCodeID, at)
	promo, err := scanPromo(row)
	if err == nil {
		if promo.Items, err = loadPromoItems(ctx, s.db, promo.ID); err != nil {
			return nil, err
		}
		return promo, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, s.classifyPromoMiss(ctx, promoCodeID, "", 0, at)
}

func (s *Store) ReleasePromoRedemption(ctx context.Context, promoCodeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promo_codes
		SET redemptions = GREATEST(redemptions - 1, 0)
		WHERE id = $1
	`, promoCodeID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ClaimPromoItem increments the claimed quantity in a single statement that
// also checks the parent code, so concurrent claims serialise on the row.
func (s *Store) ClaimPromoItem(ctx context.Context, promoItemID string, qty int, at time.Time) (*domain.PromoCodeItem, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidTransaction
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE promo_code_items i
		SET quantity_claimed = i.quantity_claimed + $2::int
		FROM promo_codes p
		WHERE i.id = $1 AND p.id = i.promo_code_id
			AND `+promoUsable("$3")+`
			AND (i.quantity IS NULL OR i.quantity_claimed + $2::int <= i.quantity)
		RETURNING i.id, i.promo_code_id, i.sku, i.quantity, i.quantity_claimed
	`, promoItemID, qty, at)
	item, err := scanPromoItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, s.classifyPromoMiss(ctx, "", promoItemID, qty, at)
}

func (s *Store) ReleasePromoItem(ctx context.Context, promoItemID string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE promo_code_items
		SET quantity_claimed = GREATEST(quantity_claimed - $2::int, 0)
		WHERE id = $1
	`, promoItemID, qty)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// classifyPromoMiss explains why a conditional claim touched no row.
func (s *Store) classifyPromoMiss(ctx context.Context, promoCodeID string, promoItemID string, qty int, at time.Time) error {
	var promo *domain.PromoCode
	var err error
	if promoItemID != "" {
		promo, err = s.findPromo(ctx, `id = (SELECT promo_code_id FROM promo_code_items WHERE id = $1)`, promoItemID)
	} else {
		promo, err = s.findPromo(ctx, `id = $1`, promoCodeID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrPromoInvalid
	}
	if err != nil {
		return err
	}
	if !promo.Active || !promo.InWindow(at) {
		return store.ErrPromoInvalid
	}
	if promo.LimitReached() {
		return store.ErrPromoExhausted
	}
	for _, item := range promo.Items {
		if item.ID != promoItemID {
			continue
		}
		if remaining, capped := item.Remaining(); capped && remaining < qty {
			return store.ErrPromoExhausted
		}
	}
	return store.ErrPromoExhausted
}

func (s *Store) findPromo(ctx context.Context, where string, args ...any) (*domain.PromoCode, error) {
	promo, err := scanPromo(s.db.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if promo.Items, err = loadPromoItems(ctx, s.db, promo.ID); err != nil {
		return nil, err
	}
	return promo, nil
}

func loadPromoItems(ctx context.Context, q querier, promoCodeID string) ([]domain.PromoCodeItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, promo_code_id, sku, quantity, quantity_claimed
		FROM promo_code_items
		WHERE promo_code_id = $1
		ORDER BY id ASC
	`, promoCodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PromoCodeItem, 0, 4)
	for rows.Next() {
		item, err := scanPromoItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanPromo(row scanner) (*domain.PromoCode, error) {
	var promo domain.PromoCode
	var validFrom, validUntil sql.NullTime
	var limit sql.NullInt64
	err := row.Scan(
		&promo.ID,
		&promo.StoreID,
		&promo.Code,
		&promo.DiscountType,
		&promo.DiscountValue,
		&validFrom,
		&validUntil,
		&limit,
		&promo.Redemptions,
		&promo.Active,
		&promo.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	promo.ValidFrom = timePtr(validFrom)
	promo.ValidUntil = timePtr(validUntil)
	promo.Limit = intPtr(limit)
	promo.CreatedAt = promo.CreatedAt.UTC()
	return &promo, nil
}

func scanPromoItem(row scanner) (*domain.PromoCodeItem, error) {
	var item domain.PromoCodeItem
	var quantity sql.NullInt64
	if err := row.Scan(&item.ID, &item.PromoCodeID, &item.SKU, &quantity, &item.QuantityClaimed); err != nil {
		return nil, err
	}
	item.Quantity = intPtr(quantity)
	return &item, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
