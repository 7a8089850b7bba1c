package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/payment"
	"github.com/kwam1na/athena-sub007/internal/store"
)

func cardCheckout(sessionID string, key string) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		SessionID:        sessionID,
		IdempotencyKey:   key,
		PaymentMethod:    domain.PaymentMethodCard,
		PaymentReference: "auth-" + key,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []domain.SaleEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic string, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if sale, ok := event.(domain.SaleEvent); ok {
		p.events = append(p.events, sale)
	}
	return nil
}

func TestCheckoutCompletesSale(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newFixture(t, WithPublisher(publisher))
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})
	_, err := f.svc.SetCustomer(ctx, session.ID, "cust-1")
	require.NoError(t, err)

	resp, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-1"))
	require.NoError(t, err)
	require.False(t, resp.Duplicate)

	tx := resp.Transaction
	require.Equal(t, domain.TxStatusCompleted, tx.Status)
	require.EqualValues(t, 17000, tx.SubtotalCents)
	require.EqualValues(t, 17000, tx.TotalCents)
	require.EqualValues(t, 170, tx.PointsAwarded)
	require.Equal(t, "auth-idem-1", tx.PaymentReference)
	require.Equal(t, session.ID, tx.SessionID)

	unit := f.unit(t, teeSKU)
	require.Equal(t, 118, unit.InventoryCount)
	require.Equal(t, 118, unit.QuantityAvailable)
	require.EqualValues(t, 170, f.balance(t, "cust-1"))

	stored, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusCompleted, stored.Status)
	require.Equal(t, tx.ID, stored.TransactionID)
	require.Empty(t, stored.CheckoutKey)

	require.Equal(t, []string{"pos.sales"}, publisher.topics)
	require.Equal(t, domain.SaleEventCompleted, publisher.events[0].Type)
	require.Equal(t, tx.ID, publisher.events[0].TransactionID)

	_, err = f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: "t-1"})
	require.NoError(t, err)
}

func TestCheckoutReplaysByIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	first, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-replay"))
	require.NoError(t, err)

	second, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-replay"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Equal(t, 119, f.unit(t, teeSKU).InventoryCount)

	lookup, err := f.svc.LookupCheckoutByIdempotency(ctx, "idem-replay")
	require.NoError(t, err)
	require.True(t, lookup.Found)
	require.Equal(t, first.Transaction.ID, lookup.Checkout.Transaction.ID)

	lookup, err = f.svc.LookupCheckoutByIdempotency(ctx, "idem-unknown")
	require.NoError(t, err)
	require.False(t, lookup.Found)

	_, err = f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-other"))
	require.ErrorIs(t, err, store.ErrSessionNotActive)
}

func TestCheckoutInsufficientInventoryKeepsSessionActive(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-b")
	_, err := f.svc.Reserve(context.Background(), "", wigSKU, 119)
	require.NoError(t, err)

	session := f.openSession(t, "t-b",
		domain.SessionItemRequest{SKU: teeSKU, Qty: 1},
		domain.SessionItemRequest{SKU: wigSKU, Qty: 2},
	)

	_, err = f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-b"))
	require.ErrorIs(t, err, store.ErrInsufficientInventory)

	var checkoutErr *CheckoutError
	require.True(t, errors.As(err, &checkoutErr))
	require.Equal(t, CheckoutStepInventory, checkoutErr.Step)
	require.Equal(t, wigSKU, checkoutErr.SKU)

	require.Equal(t, 1, f.unit(t, wigSKU).QuantityAvailable)
	tee := f.unit(t, teeSKU)
	require.Equal(t, 120, tee.InventoryCount)
	require.Equal(t, 120, tee.QuantityAvailable)

	resp, err := f.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, resp.Session.Status)
	require.Empty(t, resp.Session.CheckoutKey)

	_, err = f.svc.UpdateItem(ctx, session.ID, wigSKU, 1)
	require.NoError(t, err)
	done, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-b"))
	require.NoError(t, err)
	require.Len(t, done.Transaction.Items, 2)
	require.Equal(t, 0, f.unit(t, wigSKU).QuantityAvailable)
}

func TestScarcePromoHasOneWinner(t *testing.T) {
	f := newFixture(t)
	promo := f.createPromo(t, domain.PromoCreateRequest{
		Code:          "LASTONE",
		DiscountType:  domain.DiscountTypeAmount,
		DiscountValue: 1000,
		Items:         []domain.PromoItemRequest{{Quantity: intPtr(1)}},
	})

	sessions := make([]domain.PosSession, 2)
	for i, terminal := range []string{"t-c1", "t-c2"} {
		sessions[i] = f.openSession(t, terminal, domain.SessionItemRequest{SKU: teeSKU, Qty: 1})
		_, err := f.svc.ApplyPromo(cashierCtx(terminal), sessions[i].ID, "LASTONE")
		require.NoError(t, err)
	}

	results := make([]domain.CheckoutResponse, 2)
	errs := make([]error, 2)
	var g errgroup.Group
	for i := range sessions {
		g.Go(func() error {
			results[i], errs[i] = f.svc.Checkout(cashierCtx(sessions[i].TerminalID), cardCheckout(sessions[i].ID, "idem-c"+sessions[i].TerminalID))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	require.ErrorIs(t, errs[loser], store.ErrPromoExhausted)
	require.EqualValues(t, 1000, results[winner].Transaction.DiscountCents)
	require.Equal(t, promo.ID, results[winner].Transaction.PromoCodeID)

	loserSession, err := f.svc.GetSession(cashierCtx("x"), sessions[loser].ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, loserSession.Session.Status)
	require.Empty(t, loserSession.Session.PromoCode)

	retried, err := f.svc.Checkout(cashierCtx("x"), cardCheckout(sessions[loser].ID, "idem-c-retry"))
	require.NoError(t, err)
	require.Zero(t, retried.Transaction.DiscountCents)
	require.EqualValues(t, 8500, retried.Transaction.TotalCents)

	stored, err := f.repo.GetPromoCode(context.Background(), promo.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Items[0].QuantityClaimed)
	require.Equal(t, 1, stored.Redemptions)
}

func TestPromoCodeLimitIsEnforcedAtCheckout(t *testing.T) {
	f := newFixture(t)
	f.createPromo(t, domain.PromoCreateRequest{
		Code:          "ONCE",
		DiscountType:  domain.DiscountTypePercentage,
		DiscountValue: 10,
		Limit:         intPtr(1),
		Items:         []domain.PromoItemRequest{{}},
	})

	first := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})
	second := f.openSession(t, "t-2", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})
	for _, session := range []domain.PosSession{first, second} {
		_, err := f.svc.ApplyPromo(cashierCtx(session.TerminalID), session.ID, "ONCE")
		require.NoError(t, err)
	}

	resp, err := f.svc.Checkout(cashierCtx("t-1"), cardCheckout(first.ID, "idem-once-1"))
	require.NoError(t, err)
	require.EqualValues(t, 1700, resp.Transaction.DiscountCents)
	require.EqualValues(t, 15300, resp.Transaction.TotalCents)
	require.EqualValues(t, 1700, resp.Transaction.Items[0].DiscountCents)
	require.EqualValues(t, 15300, resp.Transaction.Items[0].LineTotalCents)

	_, err = f.svc.Checkout(cashierCtx("t-2"), cardCheckout(second.ID, "idem-once-2"))
	require.ErrorIs(t, err, store.ErrPromoExhausted)
	var checkoutErr *CheckoutError
	require.True(t, errors.As(err, &checkoutErr))
	require.Equal(t, "ONCE", checkoutErr.PromoCode)
}

func TestPaymentDeclineRollsBackEveryStep(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-1")
	promo := f.createPromo(t, domain.PromoCreateRequest{
		Code:          "TEE5",
		DiscountType:  domain.DiscountTypeAmount,
		DiscountValue: 500,
		Items:         []domain.PromoItemRequest{{SKU: teeSKU, Quantity: intPtr(10)}},
	})
	_, _, err := f.svc.Award(context.Background(), "", "cust-7", 500, domain.RewardReasonPurchase, "seed:cust-7")
	require.NoError(t, err)

	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})
	_, err = f.svc.SetCustomer(ctx, session.ID, "cust-7")
	require.NoError(t, err)
	_, err = f.svc.ApplyPromo(ctx, session.ID, "TEE5")
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, domain.CheckoutRequest{
		SessionID:         session.ID,
		IdempotencyKey:    "idem-declined",
		PaymentMethod:     domain.PaymentMethodCash,
		CashReceivedCents: 100,
		PointsToRedeem:    200,
	})
	require.ErrorIs(t, err, payment.ErrPaymentDeclined)
	var checkoutErr *CheckoutError
	require.True(t, errors.As(err, &checkoutErr))
	require.Equal(t, CheckoutStepPayment, checkoutErr.Step)

	unit := f.unit(t, teeSKU)
	require.Equal(t, 120, unit.InventoryCount)
	require.Equal(t, 120, unit.QuantityAvailable)
	require.EqualValues(t, 500, f.balance(t, "cust-7"))

	stored, err := f.repo.GetPromoCode(context.Background(), promo.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.Items[0].QuantityClaimed)
	require.Equal(t, 0, stored.Redemptions)

	resp, err := f.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, resp.Session.Status)
	require.Equal(t, "TEE5", resp.Session.PromoCode)

	lookup, err := f.svc.LookupCheckoutByIdempotency(ctx, "idem-declined")
	require.NoError(t, err)
	require.False(t, lookup.Found)
}

func TestCheckoutRedeemsPointsAndAwardsOnNetTotal(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-1")
	_, _, err := f.svc.Award(context.Background(), "", "cust-8", 500, domain.RewardReasonPurchase, "seed:cust-8")
	require.NoError(t, err)

	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})
	_, err = f.svc.SetCustomer(ctx, session.ID, "cust-8")
	require.NoError(t, err)

	resp, err := f.svc.Checkout(ctx, domain.CheckoutRequest{
		SessionID:         session.ID,
		IdempotencyKey:    "idem-redeem",
		PaymentMethod:     domain.PaymentMethodCash,
		CashReceivedCents: 20000,
		PointsToRedeem:    200,
	})
	require.NoError(t, err)

	tx := resp.Transaction
	require.EqualValues(t, 200, tx.PointsRedeemed)
	require.EqualValues(t, 200, tx.PointsDiscountCents)
	require.EqualValues(t, 16800, tx.TotalCents)
	require.EqualValues(t, 3200, tx.ChangeCents)
	require.EqualValues(t, 168, tx.PointsAwarded)
	require.EqualValues(t, 500-200+168, f.balance(t, "cust-8"))
}

func TestCheckoutRejectsEmptyAndMisconfiguredRequests(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-1")
	empty := f.openSession(t, "t-1")

	_, err := f.svc.Checkout(ctx, cardCheckout(empty.ID, "idem-empty"))
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = f.svc.Checkout(ctx, domain.CheckoutRequest{SessionID: empty.ID, IdempotencyKey: "k", PaymentMethod: "cheque"})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = f.svc.Checkout(ctx, cardCheckout(empty.ID, " "))
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = f.svc.AddItem(ctx, empty.ID, domain.SessionItemRequest{SKU: teeSKU, Qty: 1})
	require.NoError(t, err)
	_, err = f.svc.Checkout(ctx, domain.CheckoutRequest{
		SessionID:      empty.ID,
		IdempotencyKey: "idem-points",
		PaymentMethod:  domain.PaymentMethodCard,
		PointsToRedeem: 10,
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

type blockingGateway struct {
	payment.Offline
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	close(g.entered)
	<-g.release
	return g.Offline.Charge(ctx, req)
}

func TestCheckoutLeaseProtectsInFlightCheckout(t *testing.T) {
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithPaymentGateway(gateway))
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	f.clock.Advance(19 * time.Minute)

	type outcome struct {
		resp domain.CheckoutResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-lease"))
		done <- outcome{resp, err}
	}()
	<-gateway.entered

	_, err := f.svc.AddItem(ctx, session.ID, domain.SessionItemRequest{SKU: teeSKU, Qty: 1})
	require.ErrorIs(t, err, store.ErrCheckoutInProgress)
	_, err = f.svc.VoidSession(ctx, session.ID, "")
	require.ErrorIs(t, err, store.ErrCheckoutInProgress)
	_, err = f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-lease-2"))
	require.ErrorIs(t, err, store.ErrCheckoutInProgress)

	f.clock.Advance(90 * time.Second)
	voided, err := f.svc.SweepExpiredSessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, voided)

	close(gateway.release)
	result := <-done
	require.NoError(t, result.err)
	require.Equal(t, domain.TxStatusCompleted, result.resp.Transaction.Status)

	stored, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusCompleted, stored.Status)
}

func TestCheckoutSurvivesCallerCancellation(t *testing.T) {
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithPaymentGateway(gateway))
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	ctx, cancel := context.WithCancel(cashierCtx("t-1"))
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-cancel"))
		done <- err
	}()
	<-gateway.entered
	cancel()
	close(gateway.release)
	require.NoError(t, <-done)

	lookup, err := f.svc.LookupCheckoutByIdempotency(context.Background(), "idem-cancel")
	require.NoError(t, err)
	require.True(t, lookup.Found)
}

// sweepingGateway stands in for a slow card terminal: the clock moves on
// while the customer confirms and the sweeper runs in the meantime.
type sweepingGateway struct {
	payment.Offline
	t       *testing.T
	f       *fixture
	elapsed time.Duration
	decline bool
	swept   []string
}

func (g *sweepingGateway) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	g.f.clock.Advance(g.elapsed)
	swept, err := g.f.svc.SweepExpiredSessions(context.Background())
	require.NoError(g.t, err)
	g.swept = swept
	if g.decline {
		return payment.ChargeResult{}, errors.Wrap(payment.ErrPaymentDeclined, "card declined")
	}
	return g.Offline.Charge(ctx, req)
}

func TestSlowPaymentNearExpiryStillCompletes(t *testing.T) {
	gateway := &sweepingGateway{t: t, elapsed: 3 * time.Minute}
	f := newFixture(t, WithPaymentGateway(gateway))
	gateway.f = &f
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	f.clock.Advance(19*time.Minute + 30*time.Second)

	resp, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-slow"))
	require.NoError(t, err)
	require.Empty(t, gateway.swept)
	require.Equal(t, domain.TxStatusCompleted, resp.Transaction.Status)

	stored, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusCompleted, stored.Status)
	require.Equal(t, 119, f.unit(t, teeSKU).InventoryCount)
}

func TestSlowDeclinedPaymentLeavesSessionActive(t *testing.T) {
	gateway := &sweepingGateway{t: t, elapsed: 3 * time.Minute, decline: true}
	f := newFixture(t, WithPaymentGateway(gateway))
	gateway.f = &f
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	f.clock.Advance(19*time.Minute + 30*time.Second)

	_, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-slow-decline"))
	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	require.Equal(t, CheckoutStepPayment, checkoutErr.Step)
	require.Empty(t, gateway.swept)

	resumed, err := f.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, resumed.Session.Status)
	require.Empty(t, resumed.Session.CheckoutKey)
	require.Equal(t, 120, f.unit(t, teeSKU).QuantityAvailable)
}

func TestCheckoutFailsWhenLeaseIsTakenOver(t *testing.T) {
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithPaymentGateway(gateway))
	ctx := cashierCtx("t-1")
	session := f.openSession(t, "t-1", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Checkout(ctx, cardCheckout(session.ID, "idem-first"))
		done <- err
	}()
	<-gateway.entered

	stored, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	stored.CheckoutKey = "idem-other"
	_, err = f.repo.SaveSession(context.Background(), *stored)
	require.NoError(t, err)

	close(gateway.release)
	err = <-done
	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	require.Equal(t, CheckoutStepPayment, checkoutErr.Step)
	require.ErrorIs(t, err, store.ErrSessionNotActive)
	require.Equal(t, 120, f.unit(t, teeSKU).QuantityAvailable)
}
