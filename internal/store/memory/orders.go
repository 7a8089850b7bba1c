package memory

import (
	"context"
	"strings"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

func (s *Store) CreateOrderItem(_ context.Context, item domain.OnlineOrderItem) (*domain.OnlineOrderItem, error) {
	if strings.TrimSpace(item.StoreID) == "" || strings.TrimSpace(item.SKU) == "" || item.Qty <= 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.adjustLocked(item.StoreID, item.SKU, domain.InventoryDelta{Available: -item.Qty}, item.CreatedAt); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = xid.New("ordi")
	}
	item.Ready = false
	item.Cancelled = false
	item.UpdatedAt = item.CreatedAt
	stored := item
	s.orderItemsByID[item.ID] = &stored
	return &item, nil
}

func (s *Store) GetOrderItem(_ context.Context, id string) (*domain.OnlineOrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.orderItemsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := *item
	return &result, nil
}

func (s *Store) SetOrderItemReady(_ context.Context, id string, ready bool, at time.Time) (*domain.OnlineOrderItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.orderItemsByID[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if item.Cancelled {
		return nil, false, store.ErrInvalidTransaction
	}
	if item.Ready == ready {
		result := *item
		return &result, false, nil
	}

	delta := domain.InventoryDelta{Count: item.Qty}
	if ready {
		delta.Count = -item.Qty
	}
	if _, err := s.adjustLocked(item.StoreID, item.SKU, delta, at); err != nil {
		return nil, false, err
	}

	item.Ready = ready
	item.UpdatedAt = at
	if ready {
		item.ReadyAt = &at
	} else {
		item.ReadyAt = nil
	}
	result := *item
	return &result, true, nil
}

func (s *Store) CancelOrderItem(_ context.Context, id string, at time.Time) (*domain.OnlineOrderItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.orderItemsByID[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if item.Cancelled {
		result := *item
		return &result, false, nil
	}

	delta := domain.InventoryDelta{Available: item.Qty, Clamp: true}
	if item.Ready {
		delta = domain.InventoryDelta{Count: item.Qty, Available: item.Qty}
	}
	if _, err := s.adjustLocked(item.StoreID, item.SKU, delta, at); err != nil {
		return nil, false, err
	}

	item.Cancelled = true
	item.UpdatedAt = at
	result := *item
	return &result, true, nil
}
