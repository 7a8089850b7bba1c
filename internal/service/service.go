package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/cache"
	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/messaging"
	"github.com/kwam1na/athena-sub007/internal/payment"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

// ErrForbidden is returned when the actor on the context lacks the role an
// operation needs.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !slices.Contains(roles, actor.Role) {
		return ErrForbidden
	}
	return nil
}

type Settings struct {
	DefaultStoreID        string
	SessionTTL            time.Duration
	CheckoutLease         time.Duration
	AvailabilityCacheTTL  time.Duration
	TaxRatePercent        decimal.Decimal
	PointsPerCurrencyUnit int64
	PointValueCents       int64
	SalesTopic            string
}

func DefaultSettings() Settings {
	return Settings{
		DefaultStoreID:        "main-store",
		SessionTTL:            20 * time.Minute,
		CheckoutLease:         2 * time.Minute,
		AvailabilityCacheTTL:  5 * time.Second,
		TaxRatePercent:        decimal.Zero,
		PointsPerCurrencyUnit: 1,
		PointValueCents:       1,
		SalesTopic:            "pos.sales",
	}
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithAvailabilityCache(c cache.AvailabilityCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithPublisher(p messaging.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithPaymentGateway(g payment.Gateway) Option {
	return func(s *Service) {
		if g != nil {
			s.payments = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	repo      store.Repository
	cache     cache.AvailabilityCache
	publisher messaging.Publisher
	payments  payment.Gateway
	logger    *zap.Logger
	now       func() time.Time
	settings  Settings
}

func New(repo store.Repository, settings Settings, opts ...Option) *Service {
	defaults := DefaultSettings()
	if settings.DefaultStoreID == "" {
		settings.DefaultStoreID = defaults.DefaultStoreID
	}
	if settings.SessionTTL <= 0 {
		settings.SessionTTL = defaults.SessionTTL
	}
	if settings.CheckoutLease <= 0 {
		settings.CheckoutLease = defaults.CheckoutLease
	}
	if settings.AvailabilityCacheTTL <= 0 {
		settings.AvailabilityCacheTTL = defaults.AvailabilityCacheTTL
	}
	if settings.TaxRatePercent.IsNegative() {
		settings.TaxRatePercent = decimal.Zero
	}
	if settings.PointValueCents <= 0 {
		settings.PointValueCents = defaults.PointValueCents
	}
	if settings.SalesTopic == "" {
		settings.SalesTopic = defaults.SalesTopic
	}

	s := &Service{
		repo:      repo,
		cache:     cache.NoopAvailabilityCache{},
		publisher: messaging.NoopPublisher{},
		payments:  payment.Offline{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		settings:  settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) storeIDOr(storeID string) string {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return s.settings.DefaultStoreID
	}
	return storeID
}

// leaseCutoff is the start time before which a checkout lease is stale.
func (s *Service) leaseCutoff(now time.Time) time.Time {
	return now.Add(-s.settings.CheckoutLease)
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       s.storeIDOr(storeID),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) publishSale(ctx context.Context, eventType string, tx domain.Transaction) {
	lines := make([]domain.SaleEventLine, 0, len(tx.Items))
	for _, item := range tx.Items {
		lines = append(lines, domain.SaleEventLine{SKU: item.SKU, Qty: item.Qty})
	}
	event := domain.SaleEvent{
		Type:          eventType,
		TransactionID: tx.ID,
		StoreID:       tx.StoreID,
		TerminalID:    tx.TerminalID,
		TotalCents:    tx.TotalCents,
		Lines:         lines,
		At:            s.now(),
	}
	if err := s.publisher.PublishEvent(ctx, s.settings.SalesTopic, tx.ID, event); err != nil {
		s.logger.Warn("publish sale event",
			zap.String("type", eventType),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	return s.repo.ListAuditLogs(ctx, s.storeIDOr(storeID), from, from.Add(24*time.Hour), limit)
}
