package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

func (s *Service) CreatePromo(ctx context.Context, req domain.PromoCreateRequest) (domain.PromoCode, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PromoCode{}, err
	}

	code := normalizePromoCode(req.Code)
	if code == "" || req.DiscountValue <= 0 || len(req.Items) == 0 {
		return domain.PromoCode{}, store.ErrInvalidTransaction
	}
	switch req.DiscountType {
	case domain.DiscountTypePercentage:
		if req.DiscountValue > 100 {
			return domain.PromoCode{}, store.ErrInvalidTransaction
		}
	case domain.DiscountTypeAmount:
	default:
		return domain.PromoCode{}, store.ErrInvalidTransaction
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && req.ValidUntil.Before(*req.ValidFrom) {
		return domain.PromoCode{}, store.ErrInvalidTransaction
	}
	if req.Limit != nil && *req.Limit < 0 {
		return domain.PromoCode{}, store.ErrInvalidTransaction
	}

	promo := domain.PromoCode{
		ID:            xid.New("promo"),
		StoreID:       s.storeIDOr(req.StoreID),
		Code:          code,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		Limit:         req.Limit,
		Active:        true,
		CreatedAt:     s.now(),
		Items:         make([]domain.PromoCodeItem, 0, len(req.Items)),
	}
	seen := make(map[string]struct{}, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity != nil && *item.Quantity < 0 {
			return domain.PromoCode{}, store.ErrInvalidTransaction
		}
		sku := normalizeSKU(item.SKU)
		if _, dup := seen[sku]; dup {
			return domain.PromoCode{}, store.ErrInvalidTransaction
		}
		seen[sku] = struct{}{}
		promo.Items = append(promo.Items, domain.PromoCodeItem{
			ID:       xid.New("promoitem"),
			SKU:      sku,
			Quantity: item.Quantity,
		})
	}

	saved, err := s.repo.CreatePromoCode(ctx, promo)
	if err != nil {
		return domain.PromoCode{}, errors.Wrapf(err, "create promo %s", code)
	}

	s.logAudit(ctx, saved.StoreID, "promo_create", "promo", saved.ID, fmt.Sprintf("code=%s,type=%s,value=%d", saved.Code, saved.DiscountType, saved.DiscountValue))
	return *saved, nil
}

func (s *Service) SetPromoActive(ctx context.Context, promoID string, active bool) (domain.PromoCode, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PromoCode{}, err
	}

	promo, err := s.repo.SetPromoCodeActive(ctx, promoID, active)
	if err != nil {
		return domain.PromoCode{}, err
	}

	s.logAudit(ctx, promo.StoreID, "promo_toggle", "promo", promo.ID, fmt.Sprintf("active=%t", active))
	return *promo, nil
}

// TryClaim takes qty units of a promo item's budget. It fails with
// ErrPromoExhausted once the item cap or the code limit is reached and with
// ErrPromoInvalid for an inactive or out-of-window code.
func (s *Service) TryClaim(ctx context.Context, promoItemID string, qty int) (domain.PromoCodeItem, error) {
	if strings.TrimSpace(promoItemID) == "" || qty <= 0 {
		return domain.PromoCodeItem{}, store.ErrInvalidTransaction
	}
	item, err := s.repo.ClaimPromoItem(ctx, promoItemID, qty, s.now())
	if err != nil {
		return domain.PromoCodeItem{}, err
	}
	return *item, nil
}

func (s *Service) ReleaseClaim(ctx context.Context, promoItemID string, qty int) error {
	if strings.TrimSpace(promoItemID) == "" || qty <= 0 {
		return store.ErrInvalidTransaction
	}
	return s.repo.ReleasePromoItem(ctx, promoItemID, qty)
}

// validatePromoForCart is the advisory check made when a code is applied to
// an open session. Nothing is claimed here.
func (s *Service) validatePromoForCart(ctx context.Context, storeID string, code string, items []domain.SessionItem) (*domain.PromoCode, error) {
	promo, err := s.repo.GetPromoCodeByCode(ctx, storeID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrPromoInvalid
		}
		return nil, err
	}
	if !promo.Active || !promo.InWindow(s.now()) {
		return nil, store.ErrPromoInvalid
	}
	if promo.LimitReached() {
		return nil, store.ErrPromoExhausted
	}
	if len(items) == 0 {
		return promo, nil
	}

	_, claims := domain.PromoDiscounts(*promo, items)
	if len(claims) == 0 {
		return nil, store.ErrPromoInvalid
	}
	for _, claim := range claims {
		for _, item := range promo.Items {
			if item.ID != claim.PromoItemID {
				continue
			}
			if remaining, capped := item.Remaining(); capped && remaining < claim.Qty {
				return nil, store.ErrPromoExhausted
			}
		}
	}
	return promo, nil
}

// claimPromo claims every item the cart touches and then one redemption of
// the code. Claims taken before a failure are released before returning.
func (s *Service) claimPromo(ctx context.Context, promo *domain.PromoCode, claims []domain.PromoClaim) error {
	now := s.now()
	taken := make([]domain.PromoClaim, 0, len(claims))
	undo := func() {
		for _, claim := range taken {
			s.releasePromoItem(ctx, promo.Code, claim)
		}
	}

	for _, claim := range claims {
		if _, err := s.repo.ClaimPromoItem(ctx, claim.PromoItemID, claim.Qty, now); err != nil {
			undo()
			return err
		}
		taken = append(taken, claim)
	}
	if _, err := s.repo.ClaimPromoRedemption(ctx, promo.ID, now); err != nil {
		undo()
		return err
	}
	return nil
}

// releasePromo undoes claimPromo.
func (s *Service) releasePromo(ctx context.Context, code string, promoCodeID string, claims []domain.PromoClaim) {
	for _, claim := range claims {
		s.releasePromoItem(ctx, code, claim)
	}
	if promoCodeID == "" {
		return
	}
	if err := s.repo.ReleasePromoRedemption(ctx, promoCodeID); err != nil {
		s.logger.Error("release promo redemption",
			zap.String("promo_code", code),
			zap.String("promo_code_id", promoCodeID),
			zap.Error(err),
		)
	}
}

func (s *Service) releasePromoItem(ctx context.Context, code string, claim domain.PromoClaim) {
	if err := s.repo.ReleasePromoItem(ctx, claim.PromoItemID, claim.Qty); err != nil {
		s.logger.Error("release promo item",
			zap.String("promo_code", code),
			zap.String("promo_item_id", claim.PromoItemID),
			zap.Int("qty", claim.Qty),
			zap.Error(err),
		)
	}
}

func normalizePromoCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
