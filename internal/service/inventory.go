package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
)

// Reserve holds qty units of sku without removing them from the count.
func (s *Service) Reserve(ctx context.Context, storeID string, sku string, qty int) (domain.InventoryUnit, error) {
	return s.adjustInventory(ctx, storeID, sku, qty, domain.InventoryDelta{Available: -qty})
}

// Release returns held units; available is clamped at the count.
func (s *Service) Release(ctx context.Context, storeID string, sku string, qty int) (domain.InventoryUnit, error) {
	return s.adjustInventory(ctx, storeID, sku, qty, domain.InventoryDelta{Available: qty, Clamp: true})
}

// Sell removes qty units from both the count and the available quantity.
func (s *Service) Sell(ctx context.Context, storeID string, sku string, qty int) (domain.InventoryUnit, error) {
	return s.adjustInventory(ctx, storeID, sku, qty, domain.InventoryDelta{Count: -qty, Available: -qty})
}

// Restock puts sold units back on the shelf.
func (s *Service) Restock(ctx context.Context, storeID string, sku string, qty int) (domain.InventoryUnit, error) {
	return s.adjustInventory(ctx, storeID, sku, qty, domain.InventoryDelta{Count: qty, Available: qty})
}

func (s *Service) adjustInventory(ctx context.Context, storeID string, sku string, qty int, delta domain.InventoryDelta) (domain.InventoryUnit, error) {
	storeID = s.storeIDOr(storeID)
	sku = normalizeSKU(sku)
	if sku == "" || qty <= 0 {
		return domain.InventoryUnit{}, store.ErrInvalidTransaction
	}

	unit, err := s.repo.AdjustInventory(ctx, storeID, sku, delta)
	if err != nil {
		return domain.InventoryUnit{}, errors.Wrapf(err, "adjust %s", sku)
	}
	s.invalidateAvailability(ctx, storeID, sku)
	return *unit, nil
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (domain.InventoryUnit, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.InventoryUnit{}, err
	}
	storeID := s.storeIDOr(req.StoreID)
	sku := normalizeSKU(req.SKU)
	if sku == "" || req.Qty <= 0 {
		return domain.InventoryUnit{}, store.ErrInvalidTransaction
	}

	unit, err := s.repo.ReceiveInventory(ctx, storeID, sku, req.Qty)
	if err != nil {
		return domain.InventoryUnit{}, errors.Wrapf(err, "receive %s", sku)
	}
	s.invalidateAvailability(ctx, storeID, sku)
	s.logAudit(ctx, storeID, "stock_receive", "inventory", sku, "qty="+strconv.Itoa(req.Qty))
	return *unit, nil
}

// GetAvailability serves storefront reads through the availability cache.
// SKUs without an inventory unit are omitted.
func (s *Service) GetAvailability(ctx context.Context, storeID string, skus []string) (domain.AvailabilityResponse, error) {
	storeID = s.storeIDOr(storeID)
	resp := domain.AvailabilityResponse{StoreID: storeID, Units: make([]domain.InventoryUnit, 0, len(skus))}

	missing := make([]string, 0, len(skus))
	for _, sku := range uniqueSKUs(skus) {
		unit, ok, err := s.cache.Get(ctx, storeID, sku)
		if err != nil {
			s.logger.Warn("availability cache get", zap.String("sku", sku), zap.Error(err))
		}
		if ok {
			resp.Units = append(resp.Units, *unit)
			continue
		}
		missing = append(missing, sku)
	}
	if len(missing) == 0 {
		return resp, nil
	}

	units, err := s.repo.GetInventoryUnits(ctx, storeID, missing)
	if err != nil {
		return domain.AvailabilityResponse{}, errors.Wrap(err, "load inventory units")
	}
	for _, sku := range missing {
		unit, ok := units[sku]
		if !ok {
			continue
		}
		if err := s.cache.Set(ctx, unit, s.settings.AvailabilityCacheTTL); err != nil {
			s.logger.Warn("availability cache set", zap.String("sku", sku), zap.Error(err))
		}
		resp.Units = append(resp.Units, unit)
	}
	return resp, nil
}

func (s *Service) invalidateAvailability(ctx context.Context, storeID string, skus ...string) {
	if err := s.cache.Invalidate(ctx, storeID, skus...); err != nil {
		s.logger.Warn("availability cache invalidate", zap.Strings("skus", skus), zap.Error(err))
	}
}

func normalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

func uniqueSKUs(skus []string) []string {
	seen := make(map[string]struct{}, len(skus))
	result := make([]string, 0, len(skus))
	for _, raw := range skus {
		sku := normalizeSKU(raw)
		if sku == "" {
			continue
		}
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		result = append(result, sku)
	}
	return result
}
