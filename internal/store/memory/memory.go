package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/store"
	"kasirsync/backend/internal/xid"
)

const DemoLocationID = "loc-jakarta-01"

// Store keeps every bounded context in maps behind one lock. Each exported
// method holds the lock for its whole duration, which gives it the same
// all-or-nothing behaviour as the postgres transactions.
type Store struct {
	mu sync.RWMutex

	cartsByID   map[string]*domain.Cart
	activeCarts map[string]string
	queue       map[string]map[string]*domain.QueueEntry

	ordersByID        map[string]*domain.Order
	ordersByPaymentID map[string]string

	lots          map[string]*domain.InventoryLot
	inventoryTx   map[string]*domain.InventoryTransaction
	inventoryByLt map[string][]string

	loyaltyTx       map[string][]domain.LoyaltyTransaction
	loyaltyKeys     map[string]domain.LoyaltyTransaction
	loyaltyBalances map[string]domain.LoyaltyBalance

	failures     map[string]*domain.LedgerFailure
	failureOrder []string

	devices map[string]domain.Device

	// OrderItemHook runs for every staged order item before anything is
	// applied. A non-nil error aborts the whole order write.
	OrderItemHook func(item domain.OrderItem) error
}

func New() *Store {
	return &Store{
		cartsByID:         make(map[string]*domain.Cart),
		activeCarts:       make(map[string]string),
		queue:             make(map[string]map[string]*domain.QueueEntry),
		ordersByID:        make(map[string]*domain.Order),
		ordersByPaymentID: make(map[string]string),
		lots:              make(map[string]*domain.InventoryLot),
		inventoryTx:       make(map[string]*domain.InventoryTransaction),
		inventoryByLt:     make(map[string][]string),
		loyaltyTx:         make(map[string][]domain.LoyaltyTransaction),
		loyaltyKeys:       make(map[string]domain.LoyaltyTransaction),
		loyaltyBalances:   make(map[string]domain.LoyaltyBalance),
		failures:          make(map[string]*domain.LedgerFailure),
		devices:           make(map[string]domain.Device),
	}
}

// NewSeeded returns a store with one demo location, two registers, a manager
// tablet and a handful of inventory lots.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, lot := range []domain.InventoryLot{
		{ID: "lot-beras-01", ProductID: "prd-beras-curah", UnitOfMeasure: "kg", QtyAvailable: decimal.RequireFromString("50")},
		{ID: "lot-gula-01", ProductID: "prd-gula-curah", UnitOfMeasure: "kg", QtyAvailable: decimal.RequireFromString("25.5")},
		{ID: "lot-telur-01", ProductID: "prd-telur", UnitOfMeasure: "each", QtyAvailable: decimal.RequireFromString("300")},
		{ID: "lot-kopi-01", ProductID: "prd-kopi-sachet", UnitOfMeasure: "each", QtyAvailable: decimal.RequireFromString("120")},
	} {
		lot.LocationID = DemoLocationID
		lot.UpdatedAt = now
		s.PutInventoryLot(lot)
	}

	secret := envOr("SEED_DEVICE_SECRET", "register-secret")
	if os.Getenv("SEED_DEVICE_SECRET") == "" {
		zap.L().Warn("memory store uses the default demo device secret; set SEED_DEVICE_SECRET to override")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		zap.L().Fatal("hash seed device secret", zap.Error(err))
	}
	for _, d := range []struct {
		id   string
		name string
		role string
	}{
		{"dev-register-01", "Register 1", domain.RoleCashier},
		{"dev-register-02", "Register 2", domain.RoleCashier},
		{"dev-manager-01", "Manager Tablet", domain.RoleManager},
	} {
		s.PutDevice(domain.Device{
			ID:         d.id,
			LocationID: DemoLocationID,
			Name:       d.name,
			Role:       d.role,
			SecretHash: string(hash),
			Active:     true,
			CreatedAt:  now,
		})
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) PutInventoryLot(lot domain.InventoryLot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := lot
	s.lots[lot.ID] = &dup
}

func (s *Store) PutDevice(device domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device
}

func cartKey(locationID, ownerKey string) string {
	return locationID + "|" + ownerKey
}

func (s *Store) GetOrCreateCart(_ context.Context, key domain.CartKey, freshStart bool, expiresAt time.Time) (*domain.Cart, bool, error) {
	if key.LocationID == "" || key.OwnerKey() == "" {
		return nil, false, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, created := s.upsertCartLocked(key, freshStart, expiresAt)
	return cloneCart(cart), created, nil
}

func (s *Store) upsertCartLocked(key domain.CartKey, freshStart bool, expiresAt time.Time) (*domain.Cart, bool) {
	now := time.Now().UTC()
	k := cartKey(key.LocationID, key.OwnerKey())
	if id, ok := s.activeCarts[k]; ok {
		cart := s.cartsByID[id]
		if freshStart {
			cart.Items = nil
		}
		cart.ExpiresAt = expiresAt
		cart.UpdatedAt = now
		return cart, false
	}

	cart := &domain.Cart{
		ID:         xid.New("cart"),
		LocationID: key.LocationID,
		CustomerID: key.CustomerID,
		DeviceID:   key.DeviceID,
		OwnerKey:   key.OwnerKey(),
		Status:     domain.CartStatusActive,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.cartsByID[cart.ID] = cart
	s.activeCarts[k] = cart.ID
	return cart, true
}

func (s *Store) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cart, ok := s.cartsByID[cartID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCart(cart), nil
}

func (s *Store) AddCartItem(_ context.Context, item domain.CartItem) (*domain.CartItem, *domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.cartsByID[item.CartID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if cart.Status != domain.CartStatusActive {
		return nil, nil, store.ErrCartNotActive
	}
	if item.InventoryLotID != "" {
		lot, ok := s.lots[item.InventoryLotID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: inventory lot %s", store.ErrNotFound, item.InventoryLotID)
		}
		if !strings.EqualFold(lot.UnitOfMeasure, item.UnitOfMeasure) {
			return nil, nil, fmt.Errorf("%w: lot %s is measured in %s", store.ErrUnitMismatch, lot.ID, lot.UnitOfMeasure)
		}
	}

	if item.ID == "" {
		item.ID = xid.New("citem")
	}
	item.CreatedAt = time.Now().UTC()
	cart.Items = append(cart.Items, item)
	cart.UpdatedAt = item.CreatedAt
	return &item, cloneCart(cart), nil
}

func (s *Store) RemoveCartItem(_ context.Context, cartID string, itemID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.cartsByID[cartID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cart.Status != domain.CartStatusActive {
		return nil, store.ErrCartNotActive
	}
	idx := slices.IndexFunc(cart.Items, func(item domain.CartItem) bool { return item.ID == itemID })
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	cart.Items = slices.Delete(cart.Items, idx, idx+1)
	cart.UpdatedAt = time.Now().UTC()
	return cloneCart(cart), nil
}

func (s *Store) AddCustomerToQueue(_ context.Context, key domain.CartKey, expiresAt time.Time) (*domain.QueueMutation, error) {
	if key.LocationID == "" || key.OwnerKey() == "" {
		return nil, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, cartCreated := s.upsertCartLocked(key, false, expiresAt)

	entries := s.queue[key.LocationID]
	if entries == nil {
		entries = make(map[string]*domain.QueueEntry)
		s.queue[key.LocationID] = entries
	}
	now := time.Now().UTC()
	owner := key.OwnerKey()
	if entry, ok := entries[owner]; ok {
		entry.CartID = cart.ID
		entry.AddedAt = now
		return &domain.QueueMutation{Entry: *entry, Cart: *cloneCart(cart), CartCreated: cartCreated}, nil
	}

	maxPosition := 0
	for _, entry := range entries {
		if entry.Position > maxPosition {
			maxPosition = entry.Position
		}
	}
	entry := &domain.QueueEntry{
		ID:         xid.New("qe"),
		LocationID: key.LocationID,
		CustomerID: key.CustomerID,
		DeviceID:   key.DeviceID,
		OwnerKey:   owner,
		CartID:     cart.ID,
		Position:   maxPosition + 1,
		AddedAt:    now,
	}
	entries[owner] = entry
	return &domain.QueueMutation{Entry: *entry, Cart: *cloneCart(cart), EntryNew: true, CartCreated: cartCreated}, nil
}

func (s *Store) RemoveFromQueue(_ context.Context, locationID string, ownerKey string) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[locationID][ownerKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	removed := *entry
	s.removeQueueEntryLocked(entry)
	return &removed, nil
}

// removeQueueEntryLocked deletes entry and closes the gap it leaves.
func (s *Store) removeQueueEntryLocked(entry *domain.QueueEntry) {
	entries := s.queue[entry.LocationID]
	delete(entries, entry.OwnerKey)
	for _, other := range entries {
		if other.Position > entry.Position {
			other.Position--
		}
	}
}

func (s *Store) ListQueue(_ context.Context, locationID string) ([]domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.QueueEntry, 0, len(s.queue[locationID]))
	for _, entry := range s.queue[locationID] {
		entries = append(entries, *entry)
	}
	slices.SortFunc(entries, func(a, b domain.QueueEntry) int { return a.Position - b.Position })
	return entries, nil
}

func (s *Store) ExpireCarts(_ context.Context, now time.Time) ([]domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := make(map[string]struct{})
	for _, entries := range s.queue {
		for _, entry := range entries {
			queued[entry.CartID] = struct{}{}
		}
	}

	expired := make([]domain.Cart, 0)
	for k, id := range s.activeCarts {
		cart := s.cartsByID[id]
		if !cart.ExpiresAt.Before(now) {
			continue
		}
		if _, inQueue := queued[id]; inQueue {
			continue
		}
		cart.Status = domain.CartStatusAbandoned
		cart.UpdatedAt = now
		delete(s.activeCarts, k)
		expired = append(expired, *cloneCart(cart))
	}
	return expired, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.OrderCommit, error) {
	if len(order.Items) == 0 || order.PaymentReference == "" || order.LocationID == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.ordersByPaymentID[order.PaymentReference]; ok {
		return &domain.OrderCommit{Order: *cloneOrder(s.ordersByID[id]), Duplicate: true}, nil
	}

	var cart *domain.Cart
	if order.CartID != "" {
		found, ok := s.cartsByID[order.CartID]
		if !ok {
			return nil, fmt.Errorf("%w: cart %s", store.ErrNotFound, order.CartID)
		}
		if found.LocationID != order.LocationID {
			return nil, fmt.Errorf("%w: cart belongs to another location", store.ErrInvalidRequest)
		}
		if found.Status != domain.CartStatusActive {
			return nil, store.ErrCartNotActive
		}
		cart = found
	}

	staged := order
	if staged.ID == "" {
		staged.ID = xid.New("ord")
	}
	staged.Status = domain.OrderStatusPending
	staged.CreatedAt = time.Now().UTC()
	staged.Items = make([]domain.OrderItem, len(order.Items))
	for i, item := range order.Items {
		item.ID = xid.New("oitem")
		item.OrderID = staged.ID
		item.LineNo = i + 1
		if s.OrderItemHook != nil {
			if err := s.OrderItemHook(item); err != nil {
				return nil, fmt.Errorf("insert order item %d: %w", item.LineNo, err)
			}
		}
		staged.Items[i] = item
	}

	itemTotal := int64(0)
	for _, item := range staged.Items {
		itemTotal += item.LineTotalCents
	}
	if itemTotal != staged.TotalCents {
		return nil, fmt.Errorf("%w: order total %d does not match items %d", store.ErrInvalidRequest, staged.TotalCents, itemTotal)
	}

	completedAt := time.Now().UTC()
	staged.Status = domain.OrderStatusCompleted
	staged.CompletedAt = &completedAt
	s.ordersByID[staged.ID] = &staged
	s.ordersByPaymentID[staged.PaymentReference] = staged.ID

	commit := &domain.OrderCommit{Order: *cloneOrder(&staged)}
	if cart != nil {
		cart.Status = domain.CartStatusConverted
		cart.UpdatedAt = completedAt
		delete(s.activeCarts, cartKey(cart.LocationID, cart.OwnerKey))
		for _, entry := range s.queue[cart.LocationID] {
			if entry.CartID == cart.ID {
				released := *entry
				s.removeQueueEntryLocked(entry)
				commit.ReleasedFrom = &released
				break
			}
		}
	}
	return commit, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) FindOrderByPaymentReference(_ context.Context, reference string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ordersByPaymentID[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(s.ordersByID[id]), nil
}

func (s *Store) GetInventoryLot(_ context.Context, lotID string) (*domain.InventoryLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *lot
	return &dup, nil
}

func (s *Store) DeductInventory(_ context.Context, lotID string, quantity decimal.Decimal, orderID string, allowNegative bool) (*domain.InventoryTransaction, bool, error) {
	if lotID == "" || orderID == "" || !quantity.IsPositive() {
		return nil, false, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lotID + "|" + orderID
	if prior, ok := s.inventoryTx[key]; ok {
		dup := *prior
		return &dup, true, nil
	}
	lot, ok := s.lots[lotID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if !allowNegative && lot.QtyAvailable.LessThan(quantity) {
		return nil, false, store.ErrInsufficientStock
	}

	now := time.Now().UTC()
	lot.QtyAvailable = lot.QtyAvailable.Sub(quantity)
	lot.UpdatedAt = now
	tx := &domain.InventoryTransaction{
		ID:        xid.New("itx"),
		LotID:     lotID,
		OrderID:   orderID,
		Type:      domain.InventoryTxDeduction,
		QtyDelta:  quantity.Neg(),
		QtyAfter:  lot.QtyAvailable,
		CreatedAt: now,
	}
	s.inventoryTx[key] = tx
	s.inventoryByLt[lotID] = append(s.inventoryByLt[lotID], key)
	dup := *tx
	return &dup, false, nil
}

func (s *Store) ListInventoryTransactions(_ context.Context, lotID string) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.inventoryByLt[lotID]
	out := make([]domain.InventoryTransaction, 0, len(keys))
	for _, key := range keys {
		out = append(out, *s.inventoryTx[key])
	}
	return out, nil
}

func (s *Store) AwardPoints(_ context.Context, customerID string, orderID string, points int64) (*domain.LoyaltyTransaction, int64, bool, error) {
	if customerID == "" || orderID == "" || points < 0 {
		return nil, 0, false, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := customerID + "|" + orderID + "|" + domain.LoyaltyTxEarned
	if prior, ok := s.loyaltyKeys[key]; ok {
		balance := s.recomputeBalanceLocked(customerID)
		return &prior, balance.Points, true, nil
	}

	tx := domain.LoyaltyTransaction{
		ID:         xid.New("ltx"),
		CustomerID: customerID,
		OrderID:    orderID,
		Type:       domain.LoyaltyTxEarned,
		Points:     points,
		CreatedAt:  time.Now().UTC(),
	}
	s.loyaltyKeys[key] = tx
	s.loyaltyTx[customerID] = append(s.loyaltyTx[customerID], tx)
	balance := s.recomputeBalanceLocked(customerID)
	return &tx, balance.Points, false, nil
}

func (s *Store) recomputeBalanceLocked(customerID string) domain.LoyaltyBalance {
	total := int64(0)
	for _, tx := range s.loyaltyTx[customerID] {
		total += tx.Points
	}
	balance := domain.LoyaltyBalance{CustomerID: customerID, Points: total, UpdatedAt: time.Now().UTC()}
	s.loyaltyBalances[customerID] = balance
	return balance
}

func (s *Store) GetLoyaltyBalance(_ context.Context, customerID string) (*domain.LoyaltyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.loyaltyBalances[customerID]
	if !ok {
		return &domain.LoyaltyBalance{CustomerID: customerID}, nil
	}
	return &balance, nil
}

func (s *Store) RecomputeLoyaltyBalance(_ context.Context, customerID string) (*domain.LoyaltyBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.recomputeBalanceLocked(customerID)
	return &balance, nil
}

func (s *Store) ListLoyaltyTransactions(_ context.Context, customerID string) ([]domain.LoyaltyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.loyaltyTx[customerID]), nil
}

func (s *Store) RecordLedgerFailure(_ context.Context, failure domain.LedgerFailure) (*domain.LedgerFailure, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.failureOrder {
		open := s.failures[id]
		if open.ResolvedAt == nil && open.OrderID == failure.OrderID && open.Kind == failure.Kind && open.LotID == failure.LotID {
			open.Attempts++
			open.LastError = failure.LastError
			dup := *open
			return &dup, true, nil
		}
	}
	if failure.ID == "" {
		failure.ID = xid.New("lfail")
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}
	failure.LineItems = slices.Clone(failure.LineItems)
	s.failures[failure.ID] = &failure
	s.failureOrder = append(s.failureOrder, failure.ID)
	dup := failure
	return &dup, false, nil
}

func (s *Store) GetLedgerFailure(_ context.Context, id string) (*domain.LedgerFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	failure, ok := s.failures[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *failure
	return &dup, nil
}

func (s *Store) MarkLedgerFailureAttempt(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	failure, ok := s.failures[id]
	if !ok {
		return store.ErrNotFound
	}
	failure.Attempts++
	failure.LastError = lastError
	return nil
}

func (s *Store) ResolveLedgerFailure(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	failure, ok := s.failures[id]
	if !ok {
		return store.ErrNotFound
	}
	if failure.ResolvedAt == nil {
		resolved := at.UTC()
		failure.ResolvedAt = &resolved
	}
	return nil
}

func (s *Store) ListLedgerFailures(_ context.Context, includeResolved bool, limit int) ([]domain.LedgerFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerFailure, 0)
	for _, id := range s.failureOrder {
		failure := s.failures[id]
		if failure.ResolvedAt != nil && !includeResolved {
			continue
		}
		out = append(out, *failure)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetDevice(_ context.Context, id string) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &device, nil
}

func cloneCart(src *domain.Cart) *domain.Cart {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if dup.Items == nil {
		dup.Items = []domain.CartItem{}
	}
	return &dup
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if src.CompletedAt != nil {
		completed := *src.CompletedAt
		dup.CompletedAt = &completed
	}
	return &dup
}
