package memory

import (
	"context"
	"strings"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

func (s *Store) CreatePromoCode(_ context.Context, promo domain.PromoCode) (*domain.PromoCode, error) {
	if strings.TrimSpace(promo.Code) == "" || strings.TrimSpace(promo.StoreID) == "" || len(promo.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codeKey := mapKey(promo.StoreID, promo.Code)
	if _, exists := s.promoIDByCode[codeKey]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if promo.ID == "" {
		promo.ID = xid.New("promo")
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	for i := range promo.Items {
		if promo.Items[i].ID == "" {
			promo.Items[i].ID = xid.New("promoitem")
		}
		promo.Items[i].PromoCodeID = promo.ID
		promo.Items[i].QuantityClaimed = 0
		s.promoIDByItem[promo.Items[i].ID] = promo.ID
	}
	promo.Redemptions = 0

	stored := clonePromo(&promo)
	s.promosByID[promo.ID] = stored
	s.promoIDByCode[codeKey] = promo.ID
	return clonePromo(stored), nil
}

func (s *Store) GetPromoCode(_ context.Context, id string) (*domain.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promo, ok := s.promosByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePromo(promo), nil
}

func (s *Store) GetPromoCodeByCode(_ context.Context, storeID string, code string) (*domain.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.promoIDByCode[mapKey(storeID, code)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePromo(s.promosByID[id]), nil
}

func (s *Store) SetPromoCodeActive(_ context.Context, id string, active bool) (*domain.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promo, ok := s.promosByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	promo.Active = active
	return clonePromo(promo), nil
}

func (s *Store) ClaimPromoRedemption(_ context.Context, promoCodeID string, at time.Time) (*domain.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promo, ok := s.promosByID[promoCodeID]
	if !ok {
		return nil, store.ErrPromoInvalid
	}
	if !promo.Active || !promo.InWindow(at) {
		return nil, store.ErrPromoInvalid
	}
	if promo.LimitReached() {
		return nil, store.ErrPromoExhausted
	}
	promo.Redemptions++
	return clonePromo(promo), nil
}

func (s *Store) ReleasePromoRedemption(_ context.Context, promoCodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	promo, ok := s.promosByID[promoCodeID]
	if !ok {
		return store.ErrNotFound
	}
	if promo.Redemptions > 0 {
		promo.Redemptions--
	}
	return nil
}

func (s *Store) ClaimPromoItem(_ context.Context, promoItemID string, qty int, at time.Time) (*domain.PromoCodeItem, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	promo, item := s.promoItemLocked(promoItemID)
	if item == nil {
		return nil, store.ErrPromoInvalid
	}
	if !promo.Active || !promo.InWindow(at) {
		return nil, store.ErrPromoInvalid
	}
	if promo.LimitReached() {
		return nil, store.ErrPromoExhausted
	}
	if item.Quantity != nil && item.QuantityClaimed+qty > *item.Quantity {
		return nil, store.ErrPromoExhausted
	}
	item.QuantityClaimed += qty
	result := *item
	return &result, nil
}

func (s *Store) ReleasePromoItem(_ context.Context, promoItemID string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, item := s.promoItemLocked(promoItemID)
	if item == nil {
		return store.ErrNotFound
	}
	item.QuantityClaimed = max(item.QuantityClaimed-qty, 0)
	return nil
}

func (s *Store) promoItemLocked(promoItemID string) (*domain.PromoCode, *domain.PromoCodeItem) {
	promo, ok := s.promosByID[s.promoIDByItem[promoItemID]]
	if !ok {
		return nil, nil
	}
	for i := range promo.Items {
		if promo.Items[i].ID == promoItemID {
			return promo, &promo.Items[i]
		}
	}
	return nil, nil
}

func clonePromo(src *domain.PromoCode) *domain.PromoCode {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.PromoCodeItem, len(src.Items))
	copy(dup.Items, src.Items)
	return &dup
}
