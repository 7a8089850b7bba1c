package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

const sessionColumns = `id, store_id, terminal_id, cashier_id, customer_id, items, promo_code, status,
	hold_reason, void_reason, transaction_id, checkout_key, checkout_started_at, version,
	created_at, updated_at, expires_at, held_at, resumed_at, completed_at, voided_at`

const openStatuses = `('active', 'held')`

// CreateSession locks the open session of the terminal, expires it when it
// is stale and inserts the new one. The partial unique index on open
// sessions settles concurrent creates that both saw an empty terminal.
func (s *Store) CreateSession(ctx context.Context, session domain.PosSession, leaseCutoff time.Time) (*domain.PosSession, error) {
	if strings.TrimSpace(session.StoreID) == "" || strings.TrimSpace(session.TerminalID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	session.Status = domain.SessionStatusActive
	session.Version = 1

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	existing, err := scanSession(pgTx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM pos_sessions
		WHERE store_id = $1 AND terminal_id = $2 AND status IN `+openStatuses+`
		FOR UPDATE
	`, session.StoreID, session.TerminalID))
	switch {
	case err == nil:
		if !existing.IsExpired(session.CreatedAt) || existing.CheckoutLeaseActive(leaseCutoff) {
			return nil, store.ErrTerminalBusy
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE pos_sessions
			SET status = 'void', void_reason = $2, voided_at = $3, updated_at = $3,
				checkout_key = '', checkout_started_at = NULL, version = version + 1
			WHERE id = $1
		`, existing.ID, domain.VoidReasonExpired, session.CreatedAt); err != nil {
			return nil, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	if err := insertSession(ctx, pgTx, session); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrTerminalBusy
		}
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrTerminalBusy
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.PosSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM pos_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetOpenSession(ctx context.Context, storeID string, terminalID string) (*domain.PosSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM pos_sessions
		WHERE store_id = $1 AND terminal_id = $2 AND status IN `+openStatuses,
		storeID, terminalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// SaveSession writes the session when the stored version still matches and
// the stored status is open.
func (s *Store) SaveSession(ctx context.Context, session domain.PosSession) (*domain.PosSession, error) {
	items, err := json.Marshal(sessionItems(session.Items))
	if err != nil {
		return nil, err
	}

	saved, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE pos_sessions
		SET cashier_id = $3, customer_id = $4, items = $5, promo_code = $6, status = $7,
			hold_reason = $8, void_reason = $9, transaction_id = $10, checkout_key = $11,
			checkout_started_at = $12, updated_at = $13, expires_at = $14, held_at = $15,
			resumed_at = $16, completed_at = $17, voided_at = $18, version = version + 1
		WHERE id = $1 AND version = $2 AND status IN `+openStatuses+`
		RETURNING `+sessionColumns,
		session.ID, session.Version, session.CashierID, session.CustomerID, items, session.PromoCode, session.Status,
		session.HoldReason, session.VoidReason, session.TransactionID, session.CheckoutKey,
		nullTime(session.CheckoutStartedAt), session.UpdatedAt, session.ExpiresAt, nullTime(session.HeldAt),
		nullTime(session.ResumedAt), nullTime(session.CompletedAt), nullTime(session.VoidedAt)))
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := s.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if current.Version != session.Version {
		return nil, store.ErrConflict
	}
	return nil, store.ErrSessionNotActive
}

func (s *Store) VoidExpiredSessions(ctx context.Context, at time.Time, leaseCutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pos_sessions
		SET status = 'void', void_reason = $3, voided_at = $1, updated_at = $1,
			checkout_key = '', checkout_started_at = NULL, version = version + 1
		WHERE status IN `+openStatuses+`
			AND expires_at < $1
			AND NOT (checkout_key <> '' AND COALESCE(checkout_started_at > $2, false))
		RETURNING id
	`, at, leaseCutoff, domain.VoidReasonExpired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	voided := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		voided = append(voided, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return voided, nil
}

func insertSession(ctx context.Context, q querier, session domain.PosSession) error {
	items, err := json.Marshal(sessionItems(session.Items))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO pos_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, session.ID, session.StoreID, session.TerminalID, session.CashierID, session.CustomerID, items,
		session.PromoCode, session.Status, session.HoldReason, session.VoidReason, session.TransactionID,
		session.CheckoutKey, nullTime(session.CheckoutStartedAt), session.Version,
		session.CreatedAt, session.UpdatedAt, session.ExpiresAt,
		nullTime(session.HeldAt), nullTime(session.ResumedAt), nullTime(session.CompletedAt), nullTime(session.VoidedAt))
	return err
}

func scanSession(row scanner) (*domain.PosSession, error) {
	var session domain.PosSession
	var items []byte
	var checkoutStartedAt, heldAt, resumedAt, completedAt, voidedAt sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.StoreID,
		&session.TerminalID,
		&session.CashierID,
		&session.CustomerID,
		&items,
		&session.PromoCode,
		&session.Status,
		&session.HoldReason,
		&session.VoidReason,
		&session.TransactionID,
		&session.CheckoutKey,
		&checkoutStartedAt,
		&session.Version,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.ExpiresAt,
		&heldAt,
		&resumedAt,
		&completedAt,
		&voidedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &session.Items); err != nil {
		return nil, errors.Wrapf(err, "decode items of session %s", session.ID)
	}
	session.CheckoutStartedAt = timePtr(checkoutStartedAt)
	session.HeldAt = timePtr(heldAt)
	session.ResumedAt = timePtr(resumedAt)
	session.CompletedAt = timePtr(completedAt)
	session.VoidedAt = timePtr(voidedAt)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	return &session, nil
}

func sessionItems(items []domain.SessionItem) []domain.SessionItem {
	if items == nil {
		return []domain.SessionItem{}
	}
	return items
}
