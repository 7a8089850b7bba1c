package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

const maxSessionWriteAttempts = 5

func (s *Service) CreateSession(ctx context.Context, req domain.SessionCreateRequest) (domain.SessionResponse, error) {
	actor, _ := ActorFromContext(ctx)
	terminalID := strings.TrimSpace(req.TerminalID)
	if terminalID == "" {
		terminalID = actor.TerminalID
	}
	if terminalID == "" {
		return domain.SessionResponse{}, store.ErrInvalidTransaction
	}

	now := s.now()
	session := domain.PosSession{
		ID:         xid.New("ses"),
		StoreID:    s.storeIDOr(req.StoreID),
		TerminalID: terminalID,
		CashierID:  actor.Username,
		CustomerID: strings.TrimSpace(req.CustomerID),
		Items:      []domain.SessionItem{},
		Status:     domain.SessionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.settings.SessionTTL),
	}

	created, err := s.repo.CreateSession(ctx, session, s.leaseCutoff(now))
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, created.StoreID, "session_create", "session", created.ID, "terminal="+created.TerminalID)
	return toSessionResponse(*created), nil
}

// GetSession returns the session, converting it to void first when it has
// expired. In that case the caller gets ErrSessionExpired.
func (s *Service) GetSession(ctx context.Context, id string) (domain.SessionResponse, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(*session), nil
}

func (s *Service) GetOpenSession(ctx context.Context, storeID string, terminalID string) (domain.SessionResponse, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return domain.SessionResponse{}, store.ErrInvalidTransaction
	}

	open, err := s.repo.GetOpenSession(ctx, s.storeIDOr(storeID), terminalID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return s.GetSession(ctx, open.ID)
}

func (s *Service) AddItem(ctx context.Context, sessionID string, req domain.SessionItemRequest) (domain.SessionResponse, error) {
	sku := normalizeSKU(req.SKU)
	if sku == "" || req.Qty <= 0 {
		return domain.SessionResponse{}, store.ErrInvalidTransaction
	}

	products, err := s.repo.GetProductsBySKUs(ctx, []string{sku})
	if err != nil {
		return domain.SessionResponse{}, errors.Wrap(err, "lookup product")
	}
	product, ok := products[sku]
	if !ok || !product.Active {
		return domain.SessionResponse{}, errors.Wrapf(store.ErrNotFound, "product %s", sku)
	}

	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		for i := range session.Items {
			if session.Items[i].SKU == sku {
				session.Items[i].Qty += req.Qty
				session.ExpiresAt = now.Add(s.settings.SessionTTL)
				return nil
			}
		}
		session.Items = append(session.Items, domain.SessionItem{
			SKU:            sku,
			Name:           product.Name,
			UnitPriceCents: product.PriceCents,
			Qty:            req.Qty,
		})
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(session), nil
}

func (s *Service) UpdateItem(ctx context.Context, sessionID string, sku string, qty int) (domain.SessionResponse, error) {
	sku = normalizeSKU(sku)
	if sku == "" || qty <= 0 {
		return domain.SessionResponse{}, store.ErrInvalidTransaction
	}

	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		idx := sessionItemIndex(session, sku)
		if idx < 0 {
			return errors.Wrapf(store.ErrNotFound, "session item %s", sku)
		}
		session.Items[idx].Qty = qty
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(session), nil
}

func (s *Service) RemoveItem(ctx context.Context, sessionID string, sku string) (domain.SessionResponse, error) {
	sku = normalizeSKU(sku)
	if sku == "" {
		return domain.SessionResponse{}, store.ErrInvalidTransaction
	}

	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		idx := sessionItemIndex(session, sku)
		if idx < 0 {
			return errors.Wrapf(store.ErrNotFound, "session item %s", sku)
		}
		session.Items = slices.Delete(session.Items, idx, idx+1)
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(session), nil
}

func (s *Service) SetCustomer(ctx context.Context, sessionID string, customerID string) (domain.SessionResponse, error) {
	customerID = strings.TrimSpace(customerID)
	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		session.CustomerID = customerID
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(session), nil
}

// ApplyPromo attaches a code to the cart after an advisory check. The code
// is claimed only at checkout.
func (s *Service) ApplyPromo(ctx context.Context, sessionID string, code string) (domain.SessionResponse, error) {
	code = normalizePromoCode(code)
	if code == "" {
		return domain.SessionResponse{}, store.ErrInvalidTransaction
	}

	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		if _, err := s.validatePromoForCart(ctx, session.StoreID, code, session.Items); err != nil {
			return errors.Wrapf(err, "promo %s", code)
		}
		session.PromoCode = code
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(session), nil
}

func (s *Service) RemovePromo(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		session.PromoCode = ""
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(session), nil
}

// Hold parks an active session. The hold restarts the TTL, so a held cart
// survives for one full TTL from the moment it was parked.
func (s *Service) Hold(ctx context.Context, sessionID string, reason string) (domain.SessionResponse, error) {
	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive); err != nil {
			return err
		}
		session.Status = domain.SessionStatusHeld
		session.HoldReason = strings.TrimSpace(reason)
		session.HeldAt = &now
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, session.StoreID, "session_hold", "session", session.ID, session.HoldReason)
	return toSessionResponse(session), nil
}

func (s *Service) Resume(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusHeld); err != nil {
			return err
		}
		session.Status = domain.SessionStatusActive
		session.HoldReason = ""
		session.ResumedAt = &now
		session.ExpiresAt = now.Add(s.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, session.StoreID, "session_resume", "session", session.ID, "")
	return toSessionResponse(session), nil
}

// VoidSession abandons an open session. Nothing was taken from any ledger
// before checkout, so there is nothing to give back.
func (s *Service) VoidSession(ctx context.Context, sessionID string, reason string) (domain.SessionResponse, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	session, err := s.mutateSession(ctx, sessionID, func(session *domain.PosSession, now time.Time) error {
		if err := requireSessionStatus(session, domain.SessionStatusActive, domain.SessionStatusHeld); err != nil {
			return err
		}
		session.Status = domain.SessionStatusVoid
		session.VoidReason = reason
		session.VoidedAt = &now
		return nil
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, session.StoreID, "session_void", "session", session.ID, reason)
	return toSessionResponse(session), nil
}

// loadSession reads a session and lazily voids it once it has expired. A
// session whose checkout lease is still fresh is never expired here.
func (s *Service) loadSession(ctx context.Context, id string) (*domain.PosSession, error) {
	if strings.TrimSpace(id) == "" {
		return nil, store.ErrInvalidTransaction
	}

	for range maxSessionWriteAttempts {
		session, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.now()
		if !session.IsExpired(now) || session.CheckoutLeaseActive(s.leaseCutoff(now)) {
			return session, nil
		}

		session.Status = domain.SessionStatusVoid
		session.VoidReason = domain.VoidReasonExpired
		session.VoidedAt = &now
		session.UpdatedAt = now
		session.CheckoutKey = ""
		session.CheckoutStartedAt = nil
		if _, err := s.repo.SaveSession(ctx, *session); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrSessionNotActive) {
				continue
			}
			return nil, errors.Wrap(err, "expire session")
		}
		s.logAudit(ctx, session.StoreID, "session_expire", "session", session.ID, "")
		return nil, store.ErrSessionExpired
	}
	return nil, store.ErrConflict
}

// mutateSession runs a versioned read-modify-write, retrying when another
// writer got there first. A stale checkout lease is dropped on write.
func (s *Service) mutateSession(ctx context.Context, id string, mutate func(session *domain.PosSession, now time.Time) error) (domain.PosSession, error) {
	for range maxSessionWriteAttempts {
		session, err := s.loadSession(ctx, id)
		if err != nil {
			return domain.PosSession{}, err
		}
		now := s.now()
		if session.CheckoutLeaseActive(s.leaseCutoff(now)) {
			return domain.PosSession{}, store.ErrCheckoutInProgress
		}
		session.CheckoutKey = ""
		session.CheckoutStartedAt = nil

		if err := mutate(session, now); err != nil {
			return domain.PosSession{}, err
		}
		session.UpdatedAt = now

		saved, err := s.repo.SaveSession(ctx, *session)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.PosSession{}, err
		}
		return *saved, nil
	}
	return domain.PosSession{}, store.ErrConflict
}

// requireSessionStatus reports ErrSessionExpired for a session that the
// expiry path already voided, and ErrSessionNotActive for any other
// disallowed state.
func requireSessionStatus(session *domain.PosSession, allowed ...string) error {
	if slices.Contains(allowed, session.Status) {
		return nil
	}
	if session.Status == domain.SessionStatusVoid && session.VoidReason == domain.VoidReasonExpired {
		return store.ErrSessionExpired
	}
	return errors.Wrapf(store.ErrSessionNotActive, "session is %s", session.Status)
}

func sessionItemIndex(session *domain.PosSession, sku string) int {
	return slices.IndexFunc(session.Items, func(item domain.SessionItem) bool {
		return item.SKU == sku
	})
}

func toSessionResponse(session domain.PosSession) domain.SessionResponse {
	if session.Items == nil {
		session.Items = []domain.SessionItem{}
	}
	return domain.SessionResponse{Session: session, SubtotalCents: session.SubtotalCents()}
}
