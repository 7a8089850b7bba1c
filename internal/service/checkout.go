package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/payment"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

const (
	CheckoutStepSession   = "session"
	CheckoutStepPromo     = "promo"
	CheckoutStepInventory = "inventory"
	CheckoutStepPoints    = "points"
	CheckoutStepPayment   = "payment"
	CheckoutStepRewards   = "rewards"
	CheckoutStepCommit    = "commit"
)

// CheckoutError is the itemized failure of a checkout attempt. Every step
// completed before Step has been compensated and the session is active again.
type CheckoutError struct {
	Step      string
	SKU       string
	PromoCode string
	Err       error
}

func (e *CheckoutError) Error() string {
	var b strings.Builder
	b.WriteString("checkout ")
	b.WriteString(e.Step)
	if e.SKU != "" {
		b.WriteString(" sku ")
		b.WriteString(e.SKU)
	}
	if e.PromoCode != "" {
		b.WriteString(" promo ")
		b.WriteString(e.PromoCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// Checkout turns an active session into a transaction. The steps run in a
// fixed order, each with a compensation, and are detached from the caller's
// cancellation once the checkout lease is taken. A retried request with the
// same idempotency key returns the committed transaction with Duplicate set.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.SessionID == "" || req.IdempotencyKey == "" || req.PointsToRedeem < 0 || req.CashReceivedCents < 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidTransaction
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResponse{}, store.ErrInvalidTransaction
	}

	if existing, err := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.CheckoutResponse{Transaction: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, errors.Wrap(err, "lookup idempotency key")
	}

	session, err := s.acquireCheckoutLease(ctx, req.SessionID, req.IdempotencyKey)
	if err != nil {
		return domain.CheckoutResponse{}, &CheckoutError{Step: CheckoutStepSession, Err: err}
	}

	ctx = context.WithoutCancel(ctx)
	resp, err := s.runCheckout(ctx, session, req)
	if err != nil {
		var checkoutErr *CheckoutError
		dropPromo := errors.As(err, &checkoutErr) && checkoutErr.PromoCode != "" &&
			(errors.Is(err, store.ErrPromoExhausted) || errors.Is(err, store.ErrPromoInvalid))
		s.releaseCheckoutLease(ctx, session.ID, req.IdempotencyKey, dropPromo)
		return domain.CheckoutResponse{}, err
	}
	return resp, nil
}

func (s *Service) runCheckout(ctx context.Context, session *domain.PosSession, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	var promo *domain.PromoCode
	if session.PromoCode != "" {
		found, err := s.repo.GetPromoCodeByCode(ctx, session.StoreID, session.PromoCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = store.ErrPromoInvalid
			}
			return domain.CheckoutResponse{}, &CheckoutError{Step: CheckoutStepPromo, PromoCode: session.PromoCode, Err: err}
		}
		promo = found
	}
	if req.PointsToRedeem > 0 && session.CustomerID == "" {
		return domain.CheckoutResponse{}, &CheckoutError{Step: CheckoutStepPoints, Err: errors.Wrap(store.ErrInvalidTransaction, "points redemption requires a customer")}
	}

	quote := domain.QuoteSale(session.Items, promo, s.settings.TaxRatePercent, req.PointsToRedeem, s.settings.PointValueCents)
	if promo != nil && len(quote.Claims) == 0 {
		return domain.CheckoutResponse{}, &CheckoutError{Step: CheckoutStepPromo, PromoCode: promo.Code, Err: errors.Wrap(store.ErrPromoInvalid, "code does not apply to the cart")}
	}

	txID := xid.New("tx")
	sg := newSaga(s.logger.With(zap.String("transaction_id", txID), zap.String("session_id", session.ID)))
	fail := func(err error) (domain.CheckoutResponse, error) {
		sg.compensate(ctx)
		return domain.CheckoutResponse{}, err
	}
	renew := func(step string) error {
		if err := s.renewCheckoutLease(ctx, session.ID, req.IdempotencyKey); err != nil {
			return &CheckoutError{Step: step, Err: err}
		}
		return nil
	}

	if promo != nil {
		if err := s.claimPromo(ctx, promo, quote.Claims); err != nil {
			return fail(&CheckoutError{Step: CheckoutStepPromo, PromoCode: promo.Code, Err: err})
		}
		claimed := *promo
		sg.record(CheckoutStepPromo, func(ctx context.Context) error {
			s.releasePromo(ctx, claimed.Code, claimed.ID, quote.Claims)
			return nil
		})
		if err := renew(CheckoutStepPromo); err != nil {
			return fail(err)
		}
	}

	for _, line := range quote.Lines {
		if _, err := s.repo.AdjustInventory(ctx, session.StoreID, line.SKU, domain.InventoryDelta{Count: -line.Qty, Available: -line.Qty}); err != nil {
			return fail(&CheckoutError{Step: CheckoutStepInventory, SKU: line.SKU, Err: err})
		}
		sold := line
		sg.record(CheckoutStepInventory, func(ctx context.Context) error {
			if _, err := s.repo.AdjustInventory(ctx, session.StoreID, sold.SKU, domain.InventoryDelta{Count: sold.Qty, Available: sold.Qty}); err != nil {
				return errors.Wrapf(err, "restock %s", sold.SKU)
			}
			return nil
		})
	}
	if err := renew(CheckoutStepInventory); err != nil {
		return fail(err)
	}

	if quote.PointsRedeemed > 0 {
		if _, _, err := s.appendReward(ctx, session.StoreID, session.CustomerID, -quote.PointsRedeemed, domain.RewardReasonRedemption, redeemRewardKey(txID), txID); err != nil {
			return fail(&CheckoutError{Step: CheckoutStepPoints, Err: err})
		}
		sg.record(CheckoutStepPoints, func(ctx context.Context) error {
			_, _, err := s.appendReward(ctx, session.StoreID, session.CustomerID, quote.PointsRedeemed, domain.RewardReasonReversal, redeemReversalRewardKey(txID), txID)
			return err
		})
		if err := renew(CheckoutStepPoints); err != nil {
			return fail(err)
		}
	}

	stopHeartbeat := s.keepCheckoutLease(ctx, session.ID, req.IdempotencyKey)
	charge, err := s.payments.Charge(ctx, payment.ChargeRequest{
		TransactionID:     txID,
		Method:            req.PaymentMethod,
		AmountCents:       quote.TotalCents,
		CashReceivedCents: req.CashReceivedCents,
		Reference:         req.PaymentReference,
	})
	stopHeartbeat()
	if err != nil {
		return fail(&CheckoutError{Step: CheckoutStepPayment, Err: err})
	}
	sg.record(CheckoutStepPayment, func(ctx context.Context) error {
		return s.payments.Refund(ctx, charge.Reference, quote.TotalCents)
	})
	if err := renew(CheckoutStepPayment); err != nil {
		return fail(err)
	}

	var pointsAwarded int64
	if session.CustomerID != "" {
		pointsAwarded = domain.PointsForTotal(quote.TotalCents, s.settings.PointsPerCurrencyUnit)
	}
	if pointsAwarded > 0 {
		if _, _, err := s.appendReward(ctx, session.StoreID, session.CustomerID, pointsAwarded, domain.RewardReasonPurchase, purchaseRewardKey(txID), txID); err != nil {
			return fail(&CheckoutError{Step: CheckoutStepRewards, Err: err})
		}
		sg.record(CheckoutStepRewards, func(ctx context.Context) error {
			_, _, err := s.appendReward(ctx, session.StoreID, session.CustomerID, -pointsAwarded, domain.RewardReasonReversal, purchaseReversalRewardKey(txID), txID)
			return err
		})
	}

	cashReceived := quote.TotalCents
	if req.PaymentMethod == domain.PaymentMethodCash {
		cashReceived = req.CashReceivedCents
	}
	cashierID := session.CashierID
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		cashierID = actor.Username
	}
	tx := domain.Transaction{
		ID:                  txID,
		StoreID:             session.StoreID,
		TerminalID:          session.TerminalID,
		SessionID:           session.ID,
		CashierID:           cashierID,
		CustomerID:          session.CustomerID,
		IdempotencyKey:      req.IdempotencyKey,
		PaymentMethod:       req.PaymentMethod,
		PaymentReference:    charge.Reference,
		SubtotalCents:       quote.SubtotalCents,
		DiscountCents:       quote.DiscountCents,
		PointsDiscountCents: quote.PointsDiscountCents,
		TaxCents:            quote.TaxCents,
		TotalCents:          quote.TotalCents,
		CashReceivedCents:   cashReceived,
		ChangeCents:         charge.ChangeCents,
		PromoClaims:         quote.Claims,
		PointsAwarded:       pointsAwarded,
		PointsRedeemed:      quote.PointsRedeemed,
		Status:              domain.TxStatusCompleted,
		CreatedAt:           s.now(),
		Items:               quote.Lines,
	}
	if promo != nil {
		tx.PromoCodeID = promo.ID
		tx.PromoCode = promo.Code
	}

	created, err := s.repo.CompleteCheckout(ctx, tx)
	if errors.Is(err, store.ErrTransactionAlreadyExists) && created != nil {
		sg.compensate(ctx)
		return domain.CheckoutResponse{Transaction: *created, Duplicate: true}, nil
	}
	if err != nil {
		return fail(&CheckoutError{Step: CheckoutStepCommit, Err: err})
	}

	skus := make([]string, 0, len(created.Items))
	for _, item := range created.Items {
		skus = append(skus, item.SKU)
	}
	s.invalidateAvailability(ctx, created.StoreID, skus...)
	s.logAudit(ctx, created.StoreID, "checkout", "transaction", created.ID, fmt.Sprintf(
		"total=%d,payment=%s,discount=%d,points_awarded=%d,points_redeemed=%d",
		created.TotalCents,
		created.PaymentMethod,
		created.DiscountCents,
		created.PointsAwarded,
		created.PointsRedeemed,
	))
	s.publishSale(ctx, domain.SaleEventCompleted, *created)

	return domain.CheckoutResponse{Transaction: *created}, nil
}

func (s *Service) LookupCheckoutByIdempotency(ctx context.Context, idempotencyKey string) (domain.CheckoutLookupResponse, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return domain.CheckoutLookupResponse{}, store.ErrInvalidTransaction
	}

	tx, err := s.repo.FindTransactionByIdempotency(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutLookupResponse{Found: false}, nil
		}
		return domain.CheckoutLookupResponse{}, err
	}
	return domain.CheckoutLookupResponse{Found: true, Checkout: &domain.CheckoutResponse{Transaction: *tx}}, nil
}

// acquireCheckoutLease marks the session as owned by the checkout identified
// by key. The lease keeps the session out of the expiry path and rejects
// concurrent edits until it is released, committed or goes stale.
func (s *Service) acquireCheckoutLease(ctx context.Context, sessionID string, key string) (*domain.PosSession, error) {
	for range maxSessionWriteAttempts {
		session, err := s.loadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return nil, err
		}
		if len(session.Items) == 0 {
			return nil, errors.Wrap(store.ErrInvalidTransaction, "session has no items")
		}
		now := s.now()
		if session.CheckoutLeaseActive(s.leaseCutoff(now)) {
			return nil, store.ErrCheckoutInProgress
		}

		session.CheckoutKey = key
		session.CheckoutStartedAt = &now
		session.UpdatedAt = now
		session.ExpiresAt = laterOf(session.ExpiresAt, now.Add(s.settings.SessionTTL))
		saved, err := s.repo.SaveSession(ctx, *session)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return saved, nil
	}
	return nil, store.ErrConflict
}

// renewCheckoutLease restamps the lease held by key and pushes the TTL out so
// a checkout that is still making progress never goes stale. It fails with
// ErrSessionNotActive once the lease belongs to someone else.
func (s *Service) renewCheckoutLease(ctx context.Context, sessionID string, key string) error {
	for range maxSessionWriteAttempts {
		session, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return errors.Wrap(err, "renew checkout lease")
		}
		if session.Status != domain.SessionStatusActive || session.CheckoutKey != key {
			return errors.Wrap(store.ErrSessionNotActive, "checkout lease lost")
		}

		now := s.now()
		session.CheckoutStartedAt = &now
		session.UpdatedAt = now
		session.ExpiresAt = laterOf(session.ExpiresAt, now.Add(s.settings.SessionTTL))
		_, err = s.repo.SaveSession(ctx, *session)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "renew checkout lease")
		}
		return nil
	}
	return store.ErrConflict
}

// keepCheckoutLease renews the lease in the background while a step that can
// outlast it runs. The returned func stops the renewals and waits for them.
func (s *Service) keepCheckoutLease(ctx context.Context, sessionID string, key string) func() {
	interval := s.settings.CheckoutLease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.renewCheckoutLease(ctx, sessionID, key); err != nil {
					s.logger.Warn("checkout lease heartbeat", zap.String("session_id", sessionID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// releaseCheckoutLease hands a failed checkout's session back to the cashier
// with a fresh TTL. dropPromo removes a code that lost its claim.
func (s *Service) releaseCheckoutLease(ctx context.Context, sessionID string, key string, dropPromo bool) {
	for range maxSessionWriteAttempts {
		session, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			s.logger.Error("release checkout lease", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if session.CheckoutKey != key || session.IsTerminal() {
			return
		}

		now := s.now()
		session.CheckoutKey = ""
		session.CheckoutStartedAt = nil
		session.UpdatedAt = now
		session.ExpiresAt = laterOf(session.ExpiresAt, now.Add(s.settings.SessionTTL))
		if dropPromo {
			session.PromoCode = ""
		}
		_, err = s.repo.SaveSession(ctx, *session)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("release checkout lease", zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}
}

func laterOf(a time.Time, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodMobileMoney:
		return true
	default:
		return false
	}
}
