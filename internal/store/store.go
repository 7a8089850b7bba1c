package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("concurrent modification")

	ErrInsufficientInventory    = errors.New("insufficient inventory")
	ErrPromoExhausted           = errors.New("promo code exhausted")
	ErrPromoInvalid             = errors.New("promo code invalid")
	ErrInsufficientPoints       = errors.New("insufficient reward points")
	ErrTerminalBusy             = errors.New("terminal already has an open session")
	ErrSessionExpired           = errors.New("session expired")
	ErrSessionNotActive         = errors.New("session is not active")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
	ErrCheckoutInProgress       = errors.New("checkout already in progress")
)

type CatalogStore interface {
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)
}

// InventoryStore owns the per-unit counters. AdjustInventory is the only
// mutator of an existing unit and must be a single atomic read-modify-write.
type InventoryStore interface {
	GetInventoryUnits(ctx context.Context, storeID string, skus []string) (map[string]domain.InventoryUnit, error)
	AdjustInventory(ctx context.Context, storeID string, sku string, delta domain.InventoryDelta) (*domain.InventoryUnit, error)
	ReceiveInventory(ctx context.Context, storeID string, sku string, qty int) (*domain.InventoryUnit, error)
}

type PromoStore interface {
	CreatePromoCode(ctx context.Context, promo domain.PromoCode) (*domain.PromoCode, error)
	GetPromoCode(ctx context.Context, id string) (*domain.PromoCode, error)
	GetPromoCodeByCode(ctx context.Context, storeID string, code string) (*domain.PromoCode, error)
	SetPromoCodeActive(ctx context.Context, id string, active bool) (*domain.PromoCode, error)
	ClaimPromoRedemption(ctx context.Context, promoCodeID string, at time.Time) (*domain.PromoCode, error)
	ReleasePromoRedemption(ctx context.Context, promoCodeID string) error
	ClaimPromoItem(ctx context.Context, promoItemID string, qty int, at time.Time) (*domain.PromoCodeItem, error)
	ReleasePromoItem(ctx context.Context, promoItemID string, qty int) error
}

// RewardStore appends ledger entries. AppendRewardTransaction reports
// applied=false and returns the stored entry when the idempotency key was
// already used for the customer.
type RewardStore interface {
	AppendRewardTransaction(ctx context.Context, entry domain.RewardTransaction) (*domain.RewardTransaction, bool, error)
	GetRewardPoints(ctx context.Context, storeID string, customerID string) (*domain.RewardPoints, error)
	ListRewardTransactions(ctx context.Context, storeID string, customerID string, limit int) ([]domain.RewardTransaction, error)
}

// SessionStore persists POS sessions. CreateSession voids a stale expired
// session of the same terminal and fails with ErrTerminalBusy for a live one,
// atomically. SaveSession fails with ErrConflict when Version is stale.
type SessionStore interface {
	CreateSession(ctx context.Context, session domain.PosSession, leaseCutoff time.Time) (*domain.PosSession, error)
	GetSession(ctx context.Context, id string) (*domain.PosSession, error)
	GetOpenSession(ctx context.Context, storeID string, terminalID string) (*domain.PosSession, error)
	SaveSession(ctx context.Context, session domain.PosSession) (*domain.PosSession, error)
	VoidExpiredSessions(ctx context.Context, at time.Time, leaseCutoff time.Time) ([]string, error)
}

// TransactionStore records completed sales. CompleteCheckout inserts the
// transaction and completes its session in one step; VoidTransaction and
// RecordRefund restock the affected units in the same step.
type TransactionStore interface {
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	CompleteCheckout(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	VoidTransaction(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error)
	RecordRefund(ctx context.Context, id string, lines []domain.RefundLine, at time.Time) (*domain.Transaction, error)
}

// OrderStore tracks online order items. SetOrderItemReady applies the
// inventory effect only when the stored ready flag differs from ready.
type OrderStore interface {
	CreateOrderItem(ctx context.Context, item domain.OnlineOrderItem) (*domain.OnlineOrderItem, error)
	GetOrderItem(ctx context.Context, id string) (*domain.OnlineOrderItem, error)
	SetOrderItemReady(ctx context.Context, id string, ready bool, at time.Time) (*domain.OnlineOrderItem, bool, error)
	CancelOrderItem(ctx context.Context, id string, at time.Time) (*domain.OnlineOrderItem, bool, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	CatalogStore
	InventoryStore
	PromoStore
	RewardStore
	SessionStore
	TransactionStore
	OrderStore
	AuditStore
}
