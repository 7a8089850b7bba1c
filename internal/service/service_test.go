package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store/memory"
)

const (
	testStoreID = "main-store"
	teeSKU      = "SKU-TEE-01"
	wigSKU      = "SKU-WIG-01"
	bagSKU      = "SKU-BAG-01"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	repo  *memory.Store
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	repo := memory.NewSeeded()
	clock := newFakeClock()
	base := []Option{WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now)}
	svc := New(repo, DefaultSettings(), append(base, opts...)...)
	return fixture{svc: svc, repo: repo, clock: clock}
}

func cashierCtx(terminalID string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "ama", Role: domain.RoleCashier, TerminalID: terminalID})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kofi", Role: domain.RoleAdmin})
}

func (f fixture) openSession(t *testing.T, terminalID string, items ...domain.SessionItemRequest) domain.PosSession {
	t.Helper()
	ctx := cashierCtx(terminalID)
	resp, err := f.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: terminalID})
	require.NoError(t, err)
	for _, item := range items {
		resp, err = f.svc.AddItem(ctx, resp.Session.ID, item)
		require.NoError(t, err)
	}
	return resp.Session
}

func (f fixture) unit(t *testing.T, sku string) domain.InventoryUnit {
	t.Helper()
	units, err := f.repo.GetInventoryUnits(context.Background(), testStoreID, []string{sku})
	require.NoError(t, err)
	unit, ok := units[sku]
	require.True(t, ok, "unit %s missing", sku)
	return unit
}

func (f fixture) balance(t *testing.T, customerID string) int64 {
	t.Helper()
	points, err := f.repo.GetRewardPoints(context.Background(), testStoreID, customerID)
	require.NoError(t, err)
	return points.Points
}

func (f fixture) createPromo(t *testing.T, req domain.PromoCreateRequest) domain.PromoCode {
	t.Helper()
	promo, err := f.svc.CreatePromo(adminCtx(), req)
	require.NoError(t, err)
	return promo
}

func intPtr(v int) *int { return &v }

func TestNewFillsDefaults(t *testing.T) {
	svc := New(memory.New(), Settings{})

	require.Equal(t, DefaultSettings().SessionTTL, svc.settings.SessionTTL)
	require.Equal(t, DefaultSettings().CheckoutLease, svc.settings.CheckoutLease)
	require.Equal(t, "main-store", svc.settings.DefaultStoreID)
	require.Equal(t, "pos.sales", svc.settings.SalesTopic)
}

func TestAdminOperationsRequireAdminRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePromo(cashierCtx("t-1"), domain.PromoCreateRequest{
		Code:          "SPRING",
		DiscountType:  domain.DiscountTypeAmount,
		DiscountValue: 500,
		Items:         []domain.PromoItemRequest{{}},
	})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ReceiveStock(context.Background(), domain.ReceiveStockRequest{SKU: teeSKU, Qty: 1})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.VoidTransaction(cashierCtx("t-1"), domain.VoidTransactionRequest{TransactionID: "tx-1", Reason: "x"})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestListAuditLogsRecordsSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, "t-audit", domain.SessionItemRequest{SKU: teeSKU, Qty: 1})

	_, err := f.svc.Hold(cashierCtx("t-audit"), session.ID, "customer stepped out")
	require.NoError(t, err)

	logs, err := f.svc.ListAuditLogs(adminCtx(), testStoreID, f.clock.Now().Format(time.DateOnly), 10)
	require.NoError(t, err)

	actions := make([]string, 0, len(logs))
	for _, entry := range logs {
		actions = append(actions, entry.Action)
	}
	require.Contains(t, actions, "session_create")
	require.Contains(t, actions, "session_hold")
}
