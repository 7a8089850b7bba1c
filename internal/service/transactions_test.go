package service

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/store/memory"
)

func (f fixture) completedSale(t *testing.T, terminalID string, customerID string, key string, items ...domain.SessionItemRequest) domain.Transaction {
	t.Helper()
	ctx := cashierCtx(terminalID)
	session := f.openSession(t, terminalID, items...)
	if customerID != "" {
		_, err := f.svc.SetCustomer(ctx, session.ID, customerID)
		require.NoError(t, err)
	}
	resp, err := f.svc.Checkout(ctx, cardCheckout(session.ID, key))
	require.NoError(t, err)
	return resp.Transaction
}

func TestVoidTransactionRestocksAndReversesPoints(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newFixture(t, WithPublisher(publisher))
	tx := f.completedSale(t, "t-1", "cust-1", "idem-void", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})
	require.EqualValues(t, 170, f.balance(t, "cust-1"))
	require.Equal(t, 118, f.unit(t, teeSKU).InventoryCount)

	voided, err := f.svc.VoidTransaction(adminCtx(), domain.VoidTransactionRequest{TransactionID: tx.ID, Reason: "wrong customer"})
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusVoid, voided.Status)
	require.Equal(t, "wrong customer", voided.VoidReason)
	require.NotNil(t, voided.VoidedAt)

	unit := f.unit(t, teeSKU)
	require.Equal(t, 120, unit.InventoryCount)
	require.Equal(t, 120, unit.QuantityAvailable)
	require.EqualValues(t, 0, f.balance(t, "cust-1"))

	_, err = f.svc.VoidTransaction(adminCtx(), domain.VoidTransactionRequest{TransactionID: tx.ID, Reason: "again"})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.Equal(t, 120, f.unit(t, teeSKU).InventoryCount)

	require.Len(t, publisher.events, 2)
	require.Equal(t, domain.SaleEventVoided, publisher.events[1].Type)
}

func TestVoidTransactionReleasesPromoClaims(t *testing.T) {
	f := newFixture(t)
	promo := f.createPromo(t, domain.PromoCreateRequest{
		Code:          "SOLO",
		DiscountType:  domain.DiscountTypeAmount,
		DiscountValue: 300,
		Limit:         intPtr(1),
		Items:         []domain.PromoItemRequest{{SKU: teeSKU, Quantity: intPtr(1)}},
	})
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})
	_, err := f.svc.ApplyPromo(ctx, session.ID, "SOLO")
	require.NoError(t, err)
	resp, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-solo"))
	require.NoError(t, err)
	require.EqualValues(t, 300, resp.Transaction.DiscountCents)

	_, err = f.svc.VoidTransaction(adminCtx(), domain.VoidTransactionRequest{TransactionID: resp.Transaction.ID, Reason: "mistake"})
	require.NoError(t, err)

	stored, err := f.repo.GetPromoCode(context.Background(), promo.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.Items[0].QuantityClaimed)
	require.Equal(t, 0, stored.Redemptions)
}

type failingRedemptionRelease struct {
	*memory.Store
}

func (failingRedemptionRelease) ReleasePromoRedemption(context.Context, string) error {
	return errors.New("connection reset")
}

func TestVoidLogsPromoCodeWhenReleaseFails(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	repo := memory.NewSeeded()
	clock := newFakeClock()
	svc := New(failingRedemptionRelease{repo}, DefaultSettings(), WithLogger(zap.New(core)), WithClock(clock.Now))
	f := fixture{svc: svc, repo: repo, clock: clock}

	f.createPromo(t, domain.PromoCreateRequest{
		Code:          "SOLO",
		DiscountType:  domain.DiscountTypeAmount,
		DiscountValue: 300,
		Items:         []domain.PromoItemRequest{{SKU: teeSKU, Quantity: intPtr(1)}},
	})
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})
	_, err := f.svc.ApplyPromo(ctx, session.ID, "SOLO")
	require.NoError(t, err)
	resp, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-solo-log"))
	require.NoError(t, err)
	require.Equal(t, "SOLO", resp.Transaction.PromoCode)

	_, err = f.svc.VoidTransaction(adminCtx(), domain.VoidTransactionRequest{TransactionID: resp.Transaction.ID, Reason: "mistake"})
	require.NoError(t, err)

	entries := logs.FilterMessage("release promo redemption").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "SOLO", fields["promo_code"])
	require.Equal(t, resp.Transaction.PromoCodeID, fields["promo_code_id"])
}

func TestRefundIsProportionalAndCompletesOnLastUnit(t *testing.T) {
	f := newFixture(t)
	tx := f.completedSale(t, "t-1", "cust-2", "idem-refund", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})

	first, err := f.svc.Refund(adminCtx(), domain.RefundRequest{
		TransactionID: tx.ID,
		Reason:        "damaged",
		Lines:         []domain.RefundLine{{SKU: "sku-tee-01", Qty: 1}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 8500, first.RefundedCents)
	require.EqualValues(t, 85, first.PointsReversed)
	require.False(t, first.FullyRefunded)
	require.Equal(t, 1, first.RefundSequenceNo)
	require.Equal(t, domain.TxStatusCompleted, first.Transaction.Status)
	require.EqualValues(t, 85, f.balance(t, "cust-2"))
	require.Equal(t, 119, f.unit(t, teeSKU).InventoryCount)

	second, err := f.svc.Refund(adminCtx(), domain.RefundRequest{
		TransactionID: tx.ID,
		Reason:        "damaged",
		Lines:         []domain.RefundLine{{SKU: teeSKU, Qty: 1}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 8500, second.RefundedCents)
	require.EqualValues(t, 85, second.PointsReversed)
	require.True(t, second.FullyRefunded)
	require.Equal(t, 2, second.RefundSequenceNo)
	require.Equal(t, domain.TxStatusRefunded, second.Transaction.Status)
	require.EqualValues(t, 0, f.balance(t, "cust-2"))
	require.Equal(t, 120, f.unit(t, teeSKU).InventoryCount)

	_, err = f.svc.Refund(adminCtx(), domain.RefundRequest{
		TransactionID: tx.ID,
		Reason:        "again",
		Lines:         []domain.RefundLine{{SKU: teeSKU, Qty: 1}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestRefundRejectsMoreThanSold(t *testing.T) {
	f := newFixture(t)
	tx := f.completedSale(t, "t-1", "", "idem-over", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	_, err := f.svc.Refund(adminCtx(), domain.RefundRequest{
		TransactionID: tx.ID,
		Reason:        "x",
		Lines:         []domain.RefundLine{{SKU: teeSKU, Qty: 2}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = f.svc.Refund(adminCtx(), domain.RefundRequest{
		TransactionID: tx.ID,
		Reason:        "x",
		Lines:         []domain.RefundLine{{SKU: "SKU-CAP-01", Qty: 1}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.Equal(t, 119, f.unit(t, teeSKU).InventoryCount)
}

func TestVoidAfterPartialRefundRestocksRemainder(t *testing.T) {
	f := newFixture(t)
	tx := f.completedSale(t, "t-1", "cust-3", "idem-partial", domain.SessionItemRequest{SKU: teeSKU, Qty: 3})
	require.EqualValues(t, 255, f.balance(t, "cust-3"))

	_, err := f.svc.Refund(adminCtx(), domain.RefundRequest{
		TransactionID: tx.ID,
		Reason:        "size",
		Lines:         []domain.RefundLine{{SKU: teeSKU, Qty: 1}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 170, f.balance(t, "cust-3"))
	require.Equal(t, 118, f.unit(t, teeSKU).InventoryCount)

	_, err = f.svc.VoidTransaction(adminCtx(), domain.VoidTransactionRequest{TransactionID: tx.ID, Reason: "fraud"})
	require.NoError(t, err)
	require.EqualValues(t, 0, f.balance(t, "cust-3"))
	unit := f.unit(t, teeSKU)
	require.Equal(t, 120, unit.InventoryCount)
	require.Equal(t, 120, unit.QuantityAvailable)
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.completedSale(t, "t-1", "", "idem-get", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	found, err := f.svc.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, tx.ID, found.ID)

	_, err = f.svc.GetTransaction(context.Background(), "tx-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
