package domain

import "time"

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

type Actor struct {
	Username   string
	Role       string
	TerminalID string
}

type InventoryUnit struct {
	StoreID           string    `json:"store_id"`
	SKU               string    `json:"sku"`
	InventoryCount    int       `json:"inventory_count"`
	QuantityAvailable int       `json:"quantity_available"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// InventoryDelta is applied to a unit in one atomic step. With Clamp set the
// resulting available quantity is capped at the resulting count instead of
// rejecting the update.
type InventoryDelta struct {
	Count     int
	Available int
	Clamp     bool
}

type AvailabilityResponse struct {
	StoreID string          `json:"store_id"`
	Units   []InventoryUnit `json:"units"`
}

type ReceiveStockRequest struct {
	StoreID string `json:"store_id"`
	SKU     string `json:"sku" validate:"required"`
	Qty     int    `json:"qty" validate:"gt=0"`
}

type SessionItem struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
}

type PosSession struct {
	ID                string        `json:"id"`
	StoreID           string        `json:"store_id"`
	TerminalID        string        `json:"terminal_id"`
	CashierID         string        `json:"cashier_id,omitempty"`
	CustomerID        string        `json:"customer_id,omitempty"`
	Items             []SessionItem `json:"items"`
	PromoCode         string        `json:"promo_code,omitempty"`
	Status            string        `json:"status"`
	HoldReason        string        `json:"hold_reason,omitempty"`
	VoidReason        string        `json:"void_reason,omitempty"`
	TransactionID     string        `json:"transaction_id,omitempty"`
	CheckoutKey       string        `json:"-"`
	CheckoutStartedAt *time.Time    `json:"-"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	HeldAt            *time.Time    `json:"held_at,omitempty"`
	ResumedAt         *time.Time    `json:"resumed_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	VoidedAt          *time.Time    `json:"voided_at,omitempty"`
}

func (s PosSession) IsTerminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusVoid
}

// IsExpired reports whether a non-terminal session has outlived its TTL.
func (s PosSession) IsExpired(now time.Time) bool {
	return !s.IsTerminal() && now.After(s.ExpiresAt)
}

// CheckoutLeaseActive reports whether a checkout attempt started after cutoff
// still owns the session.
func (s PosSession) CheckoutLeaseActive(cutoff time.Time) bool {
	return s.CheckoutKey != "" && s.CheckoutStartedAt != nil && s.CheckoutStartedAt.After(cutoff)
}

func (s PosSession) SubtotalCents() int64 {
	var subtotal int64
	for _, item := range s.Items {
		subtotal += item.UnitPriceCents * int64(item.Qty)
	}
	return subtotal
}

type SessionCreateRequest struct {
	StoreID    string `json:"store_id"`
	TerminalID string `json:"terminal_id" validate:"required"`
	CustomerID string `json:"customer_id,omitempty"`
}

type SessionItemRequest struct {
	SKU string `json:"sku" validate:"required"`
	Qty int    `json:"qty" validate:"gt=0"`
}

type SessionItemUpdateRequest struct {
	Qty int `json:"qty" validate:"gt=0"`
}

type SessionCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type SessionPromoRequest struct {
	Code string `json:"code" validate:"required"`
}

type SessionHoldRequest struct {
	Reason string `json:"reason"`
}

type SessionVoidRequest struct {
	Reason string `json:"reason"`
}

type SessionResponse struct {
	Session       PosSession `json:"session"`
	SubtotalCents int64      `json:"subtotal_cents"`
}

type CheckoutRequest struct {
	SessionID         string `json:"session_id"`
	IdempotencyKey    string `json:"idempotency_key" validate:"required,max=128"`
	PaymentMethod     string `json:"payment_method" validate:"required,oneof=cash card mobile_money"`
	PaymentReference  string `json:"payment_reference,omitempty"`
	CashReceivedCents int64  `json:"cash_received_cents" validate:"gte=0"`
	PointsToRedeem    int64  `json:"points_to_redeem" validate:"gte=0"`
}

type CheckoutResponse struct {
	Transaction Transaction `json:"transaction"`
	Duplicate   bool        `json:"duplicate"`
}

type CheckoutLookupResponse struct {
	Found    bool              `json:"found"`
	Checkout *CheckoutResponse `json:"checkout,omitempty"`
}

type PromoClaim struct {
	PromoItemID string `json:"promo_item_id"`
	Qty         int    `json:"qty"`
}

type TransactionItem struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
	RefundedQty    int    `json:"refunded_qty"`
}

type Transaction struct {
	ID                  string            `json:"id"`
	StoreID             string            `json:"store_id"`
	TerminalID          string            `json:"terminal_id"`
	SessionID           string            `json:"session_id,omitempty"`
	CashierID           string            `json:"cashier_id,omitempty"`
	CustomerID          string            `json:"customer_id,omitempty"`
	IdempotencyKey      string            `json:"idempotency_key"`
	PaymentMethod       string            `json:"payment_method"`
	PaymentReference    string            `json:"payment_reference,omitempty"`
	SubtotalCents       int64             `json:"subtotal_cents"`
	DiscountCents       int64             `json:"discount_cents"`
	PointsDiscountCents int64             `json:"points_discount_cents"`
	TaxCents            int64             `json:"tax_cents"`
	TotalCents          int64             `json:"total_cents"`
	CashReceivedCents   int64             `json:"cash_received_cents"`
	ChangeCents         int64             `json:"change_cents"`
	PromoCodeID         string            `json:"promo_code_id,omitempty"`
	PromoCode           string            `json:"promo_code,omitempty"`
	PromoClaims         []PromoClaim      `json:"promo_claims,omitempty"`
	PointsAwarded       int64             `json:"points_awarded"`
	PointsRedeemed      int64             `json:"points_redeemed"`
	Status              string            `json:"status"`
	VoidReason          string            `json:"void_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	VoidedAt            *time.Time        `json:"voided_at,omitempty"`
	RefundedAt          *time.Time        `json:"refunded_at,omitempty"`
	Items               []TransactionItem `json:"items"`
}

type VoidTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason" validate:"required"`
	ManagerPIN    string `json:"manager_pin" validate:"required"`
}

type RefundLine struct {
	SKU string `json:"sku" validate:"required"`
	Qty int    `json:"qty" validate:"gt=0"`
}

type RefundRequest struct {
	TransactionID string       `json:"transaction_id"`
	Reason        string       `json:"reason" validate:"required"`
	ManagerPIN    string       `json:"manager_pin" validate:"required"`
	Lines         []RefundLine `json:"lines" validate:"required,min=1,dive"`
}

type RefundResponse struct {
	Transaction      Transaction `json:"transaction"`
	RefundedCents    int64       `json:"refunded_cents"`
	PointsReversed   int64       `json:"points_reversed"`
	FullyRefunded    bool        `json:"fully_refunded"`
	RefundSequenceNo int         `json:"refund_sequence_no"`
}

type PromoCode struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	Code          string          `json:"code"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue int64           `json:"discount_value"`
	ValidFrom     *time.Time      `json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `json:"valid_until,omitempty"`
	Limit         *int            `json:"limit,omitempty"`
	Redemptions   int             `json:"redemptions"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	Items         []PromoCodeItem `json:"items"`
}

// InWindow reports whether at falls inside the code's validity window.
func (p PromoCode) InWindow(at time.Time) bool {
	if p.ValidFrom != nil && at.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && at.After(*p.ValidUntil) {
		return false
	}
	return true
}

func (p PromoCode) LimitReached() bool {
	return p.Limit != nil && p.Redemptions >= *p.Limit
}

type PromoCodeItem struct {
	ID              string `json:"id"`
	PromoCodeID     string `json:"promo_code_id"`
	SKU             string `json:"sku,omitempty"`
	Quantity        *int   `json:"quantity,omitempty"`
	QuantityClaimed int    `json:"quantity_claimed"`
}

func (i PromoCodeItem) Remaining() (int, bool) {
	if i.Quantity == nil {
		return 0, false
	}
	return *i.Quantity - i.QuantityClaimed, true
}

type PromoItemRequest struct {
	SKU      string `json:"sku,omitempty"`
	Quantity *int   `json:"quantity,omitempty" validate:"omitempty,gte=0"`
}

type PromoCreateRequest struct {
	StoreID       string             `json:"store_id"`
	Code          string             `json:"code" validate:"required,max=64"`
	DiscountType  string             `json:"discount_type" validate:"required,oneof=percentage amount"`
	DiscountValue int64              `json:"discount_value" validate:"gt=0"`
	ValidFrom     *time.Time         `json:"valid_from,omitempty"`
	ValidUntil    *time.Time         `json:"valid_until,omitempty"`
	Limit         *int               `json:"limit,omitempty" validate:"omitempty,gte=0"`
	Items         []PromoItemRequest `json:"items" validate:"required,min=1,dive"`
}

type PromoToggleRequest struct {
	Active bool `json:"active"`
}

type RewardPoints struct {
	CustomerID string    `json:"customer_id"`
	StoreID    string    `json:"store_id"`
	Points     int64     `json:"points"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type RewardTransaction struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id"`
	StoreID        string    `json:"store_id"`
	Points         int64     `json:"points"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
	OrderID        string    `json:"order_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type RewardsResponse struct {
	Balance RewardPoints        `json:"balance"`
	History []RewardTransaction `json:"history"`
}

type OnlineOrderItem struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	StoreID   string     `json:"store_id"`
	SKU       string     `json:"sku"`
	Qty       int        `json:"qty"`
	Ready     bool       `json:"ready"`
	Cancelled bool       `json:"cancelled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
}

type OrderItemCreateRequest struct {
	StoreID string `json:"store_id"`
	OrderID string `json:"order_id" validate:"required"`
	SKU     string `json:"sku" validate:"required"`
	Qty     int    `json:"qty" validate:"gt=0"`
}

type OrderItemReadyRequest struct {
	Ready bool `json:"ready"`
}

type OrderItemResponse struct {
	Item    OnlineOrderItem `json:"item"`
	Changed bool            `json:"changed"`
}

// OrderItemReadyEvent is delivered by the fulfillment topic; deliveries may repeat.
type OrderItemReadyEvent struct {
	OrderItemID string `json:"order_item_id"`
	Ready       bool   `json:"ready"`
}

type SaleEventLine struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type SaleEvent struct {
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id"`
	StoreID       string          `json:"store_id"`
	TerminalID    string          `json:"terminal_id"`
	TotalCents    int64           `json:"total_cents"`
	Lines         []SaleEventLine `json:"lines"`
	At            time.Time       `json:"at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SessionStatusActive    = "active"
	SessionStatusHeld      = "held"
	SessionStatusCompleted = "completed"
	SessionStatusVoid      = "void"
)

const (
	TxStatusCompleted = "completed"
	TxStatusVoid      = "void"
	TxStatusRefunded  = "refunded"
)

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeAmount     = "amount"
)

const (
	PaymentMethodCash        = "cash"
	PaymentMethodCard        = "card"
	PaymentMethodMobileMoney = "mobile_money"
)

const (
	RewardReasonPurchase   = "purchase"
	RewardReasonRedemption = "redemption"
	RewardReasonReversal   = "reversal"
	RewardReasonRefund     = "refund"
	RewardReasonVoid       = "void"
)

const (
	SaleEventCompleted = "sale.completed"
	SaleEventVoided    = "sale.voided"
	SaleEventRefunded  = "sale.refunded"
)

const (
	RoleCashier     = "cashier"
	RoleAdmin       = "admin"
	RoleFulfillment = "fulfillment"
)

const VoidReasonExpired = "expired"
