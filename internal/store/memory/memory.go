package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/xid"
)

// Store is a single-mutex repository. Every mutator holds the write lock for
// its whole read-modify-write, which makes each operation linearizable.
type Store struct {
	mu                    sync.RWMutex
	products              map[string]domain.Product
	inventory             map[string]map[string]*domain.InventoryUnit
	promosByID            map[string]*domain.PromoCode
	promoIDByCode         map[string]string
	promoIDByItem         map[string]string
	rewardBalances        map[string]*domain.RewardPoints
	rewardEntries         map[string][]domain.RewardTransaction
	rewardByKey           map[string]domain.RewardTransaction
	sessionsByID          map[string]*domain.PosSession
	openSessionByTerminal map[string]string
	transactionsByID      map[string]*domain.Transaction
	transactionsByIdem    map[string]*domain.Transaction
	orderItemsByID        map[string]*domain.OnlineOrderItem
	auditLogs             []domain.AuditLog
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:              make(map[string]domain.Product),
		inventory:             make(map[string]map[string]*domain.InventoryUnit),
		promosByID:            make(map[string]*domain.PromoCode),
		promoIDByCode:         make(map[string]string),
		promoIDByItem:         make(map[string]string),
		rewardBalances:        make(map[string]*domain.RewardPoints),
		rewardEntries:         make(map[string][]domain.RewardTransaction),
		rewardByKey:           make(map[string]domain.RewardTransaction),
		sessionsByID:          make(map[string]*domain.PosSession),
		openSessionByTerminal: make(map[string]string),
		transactionsByID:      make(map[string]*domain.Transaction),
		transactionsByIdem:    make(map[string]*domain.Transaction),
		orderItemsByID:        make(map[string]*domain.OnlineOrderItem),
		auditLogs:             make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store with a small demo catalog stocked at 120 units in
// main-store.
func NewSeeded() *Store {
	s := New()
	products := []domain.Product{
		{SKU: "SKU-TEE-01", Name: "Cotton Tee", PriceCents: 8500, Active: true},
		{SKU: "SKU-CAP-01", Name: "Snapback Cap", PriceCents: 6000, Active: true},
		{SKU: "SKU-WIG-01", Name: "Body Wave Wig 18in", PriceCents: 145000, Active: true},
		{SKU: "SKU-OIL-01", Name: "Argan Hair Oil", PriceCents: 4200, Active: true},
		{SKU: "SKU-COMB-01", Name: "Wide Tooth Comb", PriceCents: 1500, Active: true},
		{SKU: "SKU-BAG-01", Name: "Canvas Tote", PriceCents: 12000, Active: true},
		{SKU: "SKU-SOCK-01", Name: "Crew Socks", PriceCents: 2500, Active: true},
		{SKU: "SKU-BONNET-01", Name: "Satin Bonnet", PriceCents: 3800, Active: true},
	}
	now := time.Now().UTC()
	s.inventory["main-store"] = make(map[string]*domain.InventoryUnit)
	for _, p := range products {
		s.products[p.SKU] = p
		s.inventory["main-store"][p.SKU] = &domain.InventoryUnit{
			StoreID:           "main-store",
			SKU:               p.SKU,
			InventoryCount:    120,
			QuantityAvailable: 120,
			UpdatedAt:         now,
		}
	}
	return s
}

// PutProduct registers a catalog entry; catalog CRUD lives outside this
// service so fixtures and the seeder use this directly.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.SKU] = product
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) GetInventoryUnits(_ context.Context, storeID string, skus []string) (map[string]domain.InventoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.InventoryUnit, len(skus))
	units := s.inventory[storeID]
	for _, sku := range skus {
		if unit, ok := units[sku]; ok {
			result[sku] = *unit
		}
	}
	return result, nil
}

func (s *Store) AdjustInventory(_ context.Context, storeID string, sku string, delta domain.InventoryDelta) (*domain.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustLocked(storeID, sku, delta, time.Now().UTC())
}

func (s *Store) ReceiveInventory(_ context.Context, storeID string, sku string, qty int) (*domain.InventoryUnit, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(sku) == "" || qty <= 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inventory[storeID]; !ok {
		s.inventory[storeID] = make(map[string]*domain.InventoryUnit)
	}
	if _, ok := s.inventory[storeID][sku]; !ok {
		s.inventory[storeID][sku] = &domain.InventoryUnit{StoreID: storeID, SKU: sku}
	}
	return s.adjustLocked(storeID, sku, domain.InventoryDelta{Count: qty, Available: qty}, time.Now().UTC())
}

func (s *Store) adjustLocked(storeID string, sku string, delta domain.InventoryDelta, at time.Time) (*domain.InventoryUnit, error) {
	unit, ok := s.inventory[storeID][sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := applyDelta(*unit, delta)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = at
	*unit = next
	result := next
	return &result, nil
}

func applyDelta(unit domain.InventoryUnit, delta domain.InventoryDelta) (domain.InventoryUnit, error) {
	count := unit.InventoryCount + delta.Count
	available := unit.QuantityAvailable + delta.Available
	if delta.Clamp && available > count {
		available = count
	}
	if count < 0 || available < 0 || available > count {
		return unit, store.ErrInsufficientInventory
	}
	unit.InventoryCount = count
	unit.QuantityAvailable = available
	return unit, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func mapKey(parts ...string) string {
	return strings.Join(parts, "::")
}
