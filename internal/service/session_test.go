package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
)

func TestCreateSessionRejectsSecondOpenSessionOnTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-a")

	first, err := f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: "t-a"})
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, first.Session.Status)
	require.Equal(t, f.clock.Now().Add(20*time.Minute), first.Session.ExpiresAt)
	require.Equal(t, "ama", first.Session.CashierID)

	_, err = f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: "t-a"})
	require.ErrorIs(t, err, store.ErrTerminalBusy)

	_, err = f.svc.VoidSession(ctx, first.Session.ID, "")
	require.NoError(t, err)

	_, err = f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: "t-a"})
	require.NoError(t, err)
}

func TestConcurrentCreateOnOneTerminalHasOneWinner(t *testing.T) {
	f := newFixture(t)

	results := make([]error, 10)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			_, results[i] = f.svc.CreateSession(cashierCtx("t-tabs"), domain.SessionCreateRequest{TerminalID: "t-tabs"})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var created int
	for _, err := range results {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, store.ErrTerminalBusy)
	}
	require.Equal(t, 1, created)
}

func TestCreateSessionUsesActorTerminal(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.CreateSession(cashierCtx("t-from-token"), domain.SessionCreateRequest{})
	require.NoError(t, err)
	require.Equal(t, "t-from-token", resp.Session.TerminalID)

	_, err = f.svc.CreateSession(context.Background(), domain.SessionCreateRequest{})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestAddItemSnapshotsPriceAndMergesLines(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, "t-a",
		domain.SessionItemRequest{SKU: "sku-tee-01", Qty: 1},
		domain.SessionItemRequest{SKU: teeSKU, Qty: 2},
		domain.SessionItemRequest{SKU: "SKU-CAP-01", Qty: 1},
	)

	require.Len(t, session.Items, 2)
	require.Equal(t, teeSKU, session.Items[0].SKU)
	require.Equal(t, 3, session.Items[0].Qty)
	require.EqualValues(t, 8500, session.Items[0].UnitPriceCents)
	require.EqualValues(t, 3*8500+6000, session.SubtotalCents())

	f.repo.PutProduct(domain.Product{SKU: teeSKU, Name: "Cotton Tee", PriceCents: 9900, Active: true})
	resp, err := f.svc.GetSession(cashierCtx("t-a"), session.ID)
	require.NoError(t, err)
	require.EqualValues(t, 8500, resp.Session.Items[0].UnitPriceCents)

	require.Equal(t, 120, f.unit(t, teeSKU).QuantityAvailable)
}

func TestItemMutations(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-a")
	session := f.openSession(t, "t-a",
		domain.SessionItemRequest{SKU: teeSKU, Qty: 1},
		domain.SessionItemRequest{SKU: "SKU-CAP-01", Qty: 1},
	)

	f.clock.Advance(5 * time.Minute)
	resp, err := f.svc.UpdateItem(ctx, session.ID, teeSKU, 4)
	require.NoError(t, err)
	require.Equal(t, 4, resp.Session.Items[0].Qty)
	require.Equal(t, f.clock.Now().Add(20*time.Minute), resp.Session.ExpiresAt)

	resp, err = f.svc.RemoveItem(ctx, session.ID, "sku-cap-01")
	require.NoError(t, err)
	require.Len(t, resp.Session.Items, 1)

	_, err = f.svc.RemoveItem(ctx, session.ID, "SKU-CAP-01")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.AddItem(ctx, session.ID, domain.SessionItemRequest{SKU: "SKU-NOPE", Qty: 1})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.UpdateItem(ctx, session.ID, teeSKU, 0)
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	resp, err = f.svc.SetCustomer(ctx, session.ID, " cust-9 ")
	require.NoError(t, err)
	require.Equal(t, "cust-9", resp.Session.CustomerID)
}

func TestHeldSessionRejectsItemChanges(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-a")
	session := f.openSession(t, "t-a", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	held, err := f.svc.Hold(ctx, session.ID, "price check")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusHeld, held.Session.Status)
	require.NotNil(t, held.Session.HeldAt)
	require.Equal(t, "price check", held.Session.HoldReason)

	_, err = f.svc.AddItem(ctx, session.ID, domain.SessionItemRequest{SKU: teeSKU, Qty: 1})
	require.ErrorIs(t, err, store.ErrSessionNotActive)

	_, err = f.svc.Hold(ctx, session.ID, "")
	require.ErrorIs(t, err, store.ErrSessionNotActive)

	resumed, err := f.svc.Resume(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, resumed.Session.Status)
	require.NotNil(t, resumed.Session.ResumedAt)

	_, err = f.svc.Resume(ctx, session.ID)
	require.ErrorIs(t, err, store.ErrSessionNotActive)
}

func TestHoldExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-a")
	session := f.openSession(t, "t-a", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	f.clock.Advance(15 * time.Minute)
	held, err := f.svc.Hold(ctx, session.ID, "")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(20*time.Minute), held.Session.ExpiresAt)

	f.clock.Advance(19 * time.Minute)
	resumed, err := f.svc.Resume(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(20*time.Minute), resumed.Session.ExpiresAt)
}

func TestResumeAfterTTLExpiresAndFreesTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-d")
	session := f.openSession(t, "t-d", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	_, err := f.svc.Hold(ctx, session.ID, "")
	require.NoError(t, err)

	f.clock.Advance(21 * time.Minute)
	_, err = f.svc.Resume(ctx, session.ID)
	require.ErrorIs(t, err, store.ErrSessionExpired)

	stored, err := f.repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusVoid, stored.Status)
	require.Equal(t, domain.VoidReasonExpired, stored.VoidReason)

	_, err = f.svc.Resume(ctx, session.ID)
	require.ErrorIs(t, err, store.ErrSessionExpired)

	fresh, err := f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: "t-d"})
	require.NoError(t, err)
	require.NotEqual(t, session.ID, fresh.Session.ID)
}

func TestCreateSessionReplacesStaleExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-e")
	stale := f.openSession(t, "t-e")

	f.clock.Advance(25 * time.Minute)
	_, err := f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: "t-e"})
	require.NoError(t, err)

	stored, err := f.repo.GetSession(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusVoid, stored.Status)
	require.Equal(t, domain.VoidReasonExpired, stored.VoidReason)
}

func TestGetSessionExpiresLazily(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, "t-a")

	f.clock.Advance(20*time.Minute + time.Second)
	_, err := f.svc.GetSession(cashierCtx("t-a"), session.ID)
	require.ErrorIs(t, err, store.ErrSessionExpired)

	resp, err := f.svc.GetSession(cashierCtx("t-a"), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusVoid, resp.Session.Status)

	_, err = f.svc.GetOpenSession(cashierCtx("t-a"), "", "t-a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVoidSessionHasNoLedgerEffect(t *testing.T) {
	f := newFixture(t)
	ctx := cashierCtx("t-a")
	session := f.openSession(t, "t-a", domain.SessionItemRequest{SKU: teeSKU, Qty: 2})

	_, err := f.svc.Hold(ctx, session.ID, "")
	require.NoError(t, err)
	voided, err := f.svc.VoidSession(ctx, session.ID, "customer left")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusVoid, voided.Session.Status)
	require.Equal(t, "customer left", voided.Session.VoidReason)

	unit := f.unit(t, teeSKU)
	require.Equal(t, 120, unit.InventoryCount)
	require.Equal(t, 120, unit.QuantityAvailable)

	_, err = f.svc.VoidSession(ctx, session.ID, "")
	require.ErrorIs(t, err, store.ErrSessionNotActive)
}

func TestSweepVoidsExpiredSessions(t *testing.T) {
	f := newFixture(t)
	expired := f.openSession(t, "t-1")
	f.clock.Advance(10 * time.Minute)
	live := f.openSession(t, "t-2")

	f.clock.Advance(11 * time.Minute)
	voided, err := f.svc.SweepExpiredSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{expired.ID}, voided)

	resp, err := f.svc.GetOpenSession(cashierCtx("t-2"), "", "t-2")
	require.NoError(t, err)
	require.Equal(t, live.ID, resp.Session.ID)

	_, err = f.svc.CreateSession(cashierCtx("t-1"), domain.SessionCreateRequest{TerminalID: "t-1"})
	require.NoError(t, err)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.svc.RunSweeper(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
