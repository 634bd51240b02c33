package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnitMismatch      = errors.New("unit of measure mismatch")
	ErrCartNotActive     = errors.New("cart is not active")
)

type CartQueueStore interface {
	// GetOrCreateCart returns the active cart for key, creating it when none
	// exists. freshStart clears the items of an existing cart in the same write.
	GetOrCreateCart(ctx context.Context, key domain.CartKey, freshStart bool, expiresAt time.Time) (*domain.Cart, bool, error)
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	AddCartItem(ctx context.Context, item domain.CartItem) (*domain.CartItem, *domain.Cart, error)
	RemoveCartItem(ctx context.Context, cartID string, itemID string) (*domain.Cart, error)
	// AddCustomerToQueue upserts the cart and the queue entry for key atomically.
	AddCustomerToQueue(ctx context.Context, key domain.CartKey, expiresAt time.Time) (*domain.QueueMutation, error)
	// RemoveFromQueue returns ErrNotFound when no entry exists for the owner.
	RemoveFromQueue(ctx context.Context, locationID string, ownerKey string) (*domain.QueueEntry, error)
	ListQueue(ctx context.Context, locationID string) ([]domain.QueueEntry, error)
	// ExpireCarts abandons active carts past expiry that no queue entry references.
	ExpireCarts(ctx context.Context, now time.Time) ([]domain.Cart, error)
}

type OrderStore interface {
	// CreateOrder writes the order and every item in one transaction, converts
	// the referenced cart and releases its queue entry. A repeated payment
	// reference returns the stored order with Duplicate set.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.OrderCommit, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByPaymentReference(ctx context.Context, reference string) (*domain.Order, error)
}

type InventoryStore interface {
	GetInventoryLot(ctx context.Context, lotID string) (*domain.InventoryLot, error)
	// DeductInventory is idempotent on (lot, order). The bool reports a prior deduction.
	DeductInventory(ctx context.Context, lotID string, quantity decimal.Decimal, orderID string, allowNegative bool) (*domain.InventoryTransaction, bool, error)
	ListInventoryTransactions(ctx context.Context, lotID string) ([]domain.InventoryTransaction, error)
}

type LoyaltyStore interface {
	// AwardPoints is idempotent on (customer, order, earned) and always
	// recomputes the balance from the ledger.
	AwardPoints(ctx context.Context, customerID string, orderID string, points int64) (*domain.LoyaltyTransaction, int64, bool, error)
	GetLoyaltyBalance(ctx context.Context, customerID string) (*domain.LoyaltyBalance, error)
	RecomputeLoyaltyBalance(ctx context.Context, customerID string) (*domain.LoyaltyBalance, error)
	ListLoyaltyTransactions(ctx context.Context, customerID string) ([]domain.LoyaltyTransaction, error)
}

type LedgerFailureStore interface {
	// RecordLedgerFailure keeps one open failure per (order, kind, lot). When
	// one exists it counts another attempt on it and reports existing.
	RecordLedgerFailure(ctx context.Context, failure domain.LedgerFailure) (recorded *domain.LedgerFailure, existing bool, err error)
	GetLedgerFailure(ctx context.Context, id string) (*domain.LedgerFailure, error)
	MarkLedgerFailureAttempt(ctx context.Context, id string, lastError string) error
	ResolveLedgerFailure(ctx context.Context, id string, at time.Time) error
	ListLedgerFailures(ctx context.Context, includeResolved bool, limit int) ([]domain.LedgerFailure, error)
}

type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
}

type Repository interface {
	CartQueueStore
	OrderStore
	InventoryStore
	LoyaltyStore
	LedgerFailureStore
	DeviceStore
}
