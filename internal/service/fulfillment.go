package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

// PlaceOrderItem records an online order line and holds its units in the
// same store step.
func (s *Service) PlaceOrderItem(ctx context.Context, req domain.OrderItemCreateRequest) (domain.OnlineOrderItem, error) {
	sku := normalizeSKU(req.SKU)
	orderID := strings.TrimSpace(req.OrderID)
	if sku == "" || orderID == "" || req.Qty <= 0 {
		return domain.OnlineOrderItem{}, store.ErrInvalidTransaction
	}

	item, err := s.repo.CreateOrderItem(ctx, domain.OnlineOrderItem{
		ID:        xid.New("ordi"),
		OrderID:   orderID,
		StoreID:   s.storeIDOr(req.StoreID),
		SKU:       sku,
		Qty:       req.Qty,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.OnlineOrderItem{}, errors.Wrapf(err, "place order item %s", sku)
	}

	s.invalidateAvailability(ctx, item.StoreID, item.SKU)
	s.logAudit(ctx, item.StoreID, "order_item_place", "order_item", item.ID, fmt.Sprintf("order=%s,sku=%s,qty=%d", item.OrderID, item.SKU, item.Qty))
	return *item, nil
}

// SetOrderItemReady applies the ready flag as an idempotent command: the
// store compares the flag it last applied and only moves inventory when it
// changes. Repeating a value reports Changed=false.
func (s *Service) SetOrderItemReady(ctx context.Context, id string, ready bool) (domain.OrderItemResponse, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.OrderItemResponse{}, store.ErrInvalidTransaction
	}

	item, changed, err := s.repo.SetOrderItemReady(ctx, id, ready, s.now())
	if err != nil {
		return domain.OrderItemResponse{}, err
	}
	if changed {
		s.invalidateAvailability(ctx, item.StoreID, item.SKU)
		s.logAudit(ctx, item.StoreID, "order_item_ready", "order_item", item.ID, fmt.Sprintf("ready=%t", ready))
	}
	return domain.OrderItemResponse{Item: *item, Changed: changed}, nil
}

func (s *Service) GetOrderItem(ctx context.Context, id string) (domain.OnlineOrderItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.OnlineOrderItem{}, store.ErrInvalidTransaction
	}
	item, err := s.repo.GetOrderItem(ctx, id)
	if err != nil {
		return domain.OnlineOrderItem{}, err
	}
	return *item, nil
}

func (s *Service) CancelOrderItem(ctx context.Context, id string) (domain.OrderItemResponse, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.OrderItemResponse{}, store.ErrInvalidTransaction
	}

	item, changed, err := s.repo.CancelOrderItem(ctx, id, s.now())
	if err != nil {
		return domain.OrderItemResponse{}, err
	}
	if changed {
		s.invalidateAvailability(ctx, item.StoreID, item.SKU)
		s.logAudit(ctx, item.StoreID, "order_item_cancel", "order_item", item.ID, "")
	}
	return domain.OrderItemResponse{Item: *item, Changed: changed}, nil
}

// HandleOrderItemReadyEvent consumes a fulfillment topic message. Malformed
// and unknown items are logged and acknowledged so they are not redelivered
// forever.
func (s *Service) HandleOrderItemReadyEvent(ctx context.Context, payload []byte) error {
	var event domain.OrderItemReadyEvent
	if err := json.Unmarshal(payload, &event); err != nil || strings.TrimSpace(event.OrderItemID) == "" {
		s.logger.Warn("drop malformed order item event", zap.ByteString("payload", payload), zap.Error(err))
		return nil
	}

	resp, err := s.SetOrderItemReady(ctx, event.OrderItemID, event.Ready)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransaction):
		s.logger.Warn("drop order item event", zap.String("order_item_id", event.OrderItemID), zap.Error(err))
		return nil
	case err != nil:
		return errors.Wrapf(err, "apply ready=%t to %s", event.Ready, event.OrderItemID)
	}

	s.logger.Debug("order item event applied",
		zap.String("order_item_id", event.OrderItemID),
		zap.Bool("ready", event.Ready),
		zap.Bool("changed", resp.Changed),
	)
	return nil
}
