package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	CartStatusActive    = "active"
	CartStatusAbandoned = "abandoned"
	CartStatusConverted = "converted"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
)

const (
	InventoryTxDeduction = "deduction"
	LoyaltyTxEarned      = "earned"
)

const (
	LedgerKindInventory = "inventory_deduction"
	LedgerKindLoyalty   = "loyalty_accrual"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
)

// CommitSchemaVersion is the only order-commit request shape the server accepts.
const CommitSchemaVersion = 1

// CartKey identifies the owner of an active cart or queue entry at a location.
// Walk-in customers have no CustomerID and are keyed by the device serving them.
type CartKey struct {
	LocationID string
	CustomerID string
	DeviceID   string
}

func (k CartKey) OwnerKey() string {
	if k.CustomerID != "" {
		return "customer:" + k.CustomerID
	}
	if k.DeviceID != "" {
		return "device:" + k.DeviceID
	}
	return ""
}

type Cart struct {
	ID         string     `json:"id"`
	LocationID string     `json:"location_id"`
	CustomerID string     `json:"customer_id,omitempty"`
	DeviceID   string     `json:"device_id,omitempty"`
	OwnerKey   string     `json:"-"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Items      []CartItem `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type CartItem struct {
	ID             string          `json:"id"`
	CartID         string          `json:"cart_id"`
	ProductID      string          `json:"product_id"`
	TierLabel      string          `json:"tier_label"`
	TierQuantity   decimal.Decimal `json:"tier_quantity"`
	UnitOfMeasure  string          `json:"unit_of_measure"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	LineTotalCents int64           `json:"line_total_cents"`
	DiscountCents  int64           `json:"discount_cents"`
	InventoryLotID string          `json:"inventory_lot_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CartRequest struct {
	LocationID string `json:"location_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	FreshStart bool   `json:"fresh_start"`
}

type CartResponse struct {
	Cart    Cart `json:"cart"`
	Created bool `json:"created"`
}

type CartItemRequest struct {
	ProductID      string          `json:"product_id"`
	TierLabel      string          `json:"tier_label"`
	TierQuantity   decimal.Decimal `json:"tier_quantity"`
	UnitOfMeasure  string          `json:"unit_of_measure"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	LineTotalCents int64           `json:"line_total_cents"`
	DiscountCents  int64           `json:"discount_cents"`
	InventoryLotID string          `json:"inventory_lot_id,omitempty"`
}

type QueueEntry struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	OwnerKey   string    `json:"-"`
	CartID     string    `json:"cart_id"`
	Position   int       `json:"position"`
	AddedAt    time.Time `json:"added_at"`
}

type QueueAddRequest struct {
	LocationID string `json:"location_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

type QueueAddResponse struct {
	QueueEntryID string `json:"queue_entry_id"`
	CartID       string `json:"cart_id"`
	Position     int    `json:"position"`
	CreatedNew   bool   `json:"created_new"`
}

type QueueRemoveResponse struct {
	Removed      bool   `json:"removed"`
	QueueEntryID string `json:"queue_entry_id,omitempty"`
}

type QueueSnapshot struct {
	LocationID  string       `json:"location_id"`
	Entries     []QueueEntry `json:"entries"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// QueueMutation is what the store reports after a queue write: the entry
// itself plus whether the write created it.
type QueueMutation struct {
	Entry       QueueEntry
	Cart        Cart
	EntryNew    bool
	CartCreated bool
}

type PaymentAuthorization struct {
	Reference   string `json:"reference"`
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

type CommitLineItem struct {
	ProductID      string          `json:"product_id"`
	TierLabel      string          `json:"tier_label"`
	TierQuantity   decimal.Decimal `json:"tier_quantity"`
	UnitOfMeasure  string          `json:"unit_of_measure"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	LineTotalCents int64           `json:"line_total_cents"`
	DiscountCents  int64           `json:"discount_cents"`
	InventoryLotID string          `json:"inventory_lot_id,omitempty"`
}

type CommitOrderRequest struct {
	SchemaVersion int                  `json:"schema_version"`
	LocationID    string               `json:"location_id"`
	CustomerID    string               `json:"customer_id,omitempty"`
	CartID        string               `json:"cart_id,omitempty"`
	Payment       PaymentAuthorization `json:"payment"`
	Items         []CommitLineItem     `json:"items"`
}

type CommitOrderResponse struct {
	OrderID              string   `json:"order_id,omitempty"`
	Status               string   `json:"status"`
	Reason               string   `json:"reason,omitempty"`
	Duplicate            bool     `json:"duplicate"`
	TotalCents           int64    `json:"total_cents"`
	ItemCount            int      `json:"item_count"`
	PendingLedgerRetries []string `json:"pending_ledger_retries,omitempty"`
}

type Order struct {
	ID                 string      `json:"id"`
	LocationID         string      `json:"location_id"`
	CustomerID         string      `json:"customer_id,omitempty"`
	DeviceID           string      `json:"device_id,omitempty"`
	CartID             string      `json:"cart_id,omitempty"`
	Status             string      `json:"status"`
	TotalCents         int64       `json:"total_cents"`
	PaymentReference   string      `json:"payment_reference"`
	PaymentMethod      string      `json:"payment_method"`
	PaymentAmountCents int64       `json:"payment_amount_cents"`
	Items              []OrderItem `json:"items"`
	CreatedAt          time.Time   `json:"created_at"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// OrderItem is a snapshot of a cart line at the moment of sale.
type OrderItem struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	LineNo         int             `json:"line_no"`
	ProductID      string          `json:"product_id"`
	TierLabel      string          `json:"tier_label"`
	TierQuantity   decimal.Decimal `json:"tier_quantity"`
	UnitOfMeasure  string          `json:"unit_of_measure"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	LineTotalCents int64           `json:"line_total_cents"`
	DiscountCents  int64           `json:"discount_cents"`
	InventoryLotID string          `json:"inventory_lot_id,omitempty"`
}

// OrderCommit is the outcome of the atomic order write.
type OrderCommit struct {
	Order        Order
	Duplicate    bool
	ReleasedFrom *QueueEntry
}

type InventoryLot struct {
	ID            string          `json:"id"`
	LocationID    string          `json:"location_id"`
	ProductID     string          `json:"product_id"`
	UnitOfMeasure string          `json:"unit_of_measure"`
	QtyAvailable  decimal.Decimal `json:"qty_available"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type InventoryTransaction struct {
	ID        string          `json:"id"`
	LotID     string          `json:"lot_id"`
	OrderID   string          `json:"order_id"`
	Type      string          `json:"type"`
	QtyDelta  decimal.Decimal `json:"qty_delta"`
	QtyAfter  decimal.Decimal `json:"qty_after"`
	CreatedAt time.Time       `json:"created_at"`
}

type InventoryDeductionRequest struct {
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
	OrderID  string          `json:"order_id"`
}

type InventoryDeductionResponse struct {
	Transaction InventoryTransaction `json:"transaction"`
	Duplicate   bool                 `json:"duplicate"`
	Oversold    bool                 `json:"oversold"`
}

type LoyaltyTransaction struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	OrderID    string    `json:"order_id"`
	Type       string    `json:"type"`
	Points     int64     `json:"points"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoyaltyAwardRequest struct {
	CustomerID string `json:"customer_id"`
	OrderID    string `json:"order_id"`
	Points     int64  `json:"points"`
}

type LoyaltyAwardResponse struct {
	Transaction   LoyaltyTransaction `json:"transaction"`
	BalancePoints int64              `json:"balance_points"`
	Duplicate     bool               `json:"duplicate"`
}

type LoyaltyBalance struct {
	CustomerID string    `json:"customer_id"`
	Points     int64     `json:"points"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LedgerFailure records a post-commit ledger step that must be retried with
// its original idempotency key.
type LedgerFailure struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Kind       string          `json:"kind"`
	LocationID string          `json:"location_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	LotID      string          `json:"lot_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Points     int64           `json:"points"`
	LineItems  json.RawMessage `json:"line_items,omitempty"`
	LastError  string          `json:"last_error"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type Device struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	SecretHash string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type DeviceLoginRequest struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	LocationID  string `json:"location_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	DeviceID   string
	LocationID string
	Role       string
}

type InventoryLotDetail struct {
	Lot          InventoryLot           `json:"lot"`
	Transactions []InventoryTransaction `json:"transactions"`
}

type LoyaltyAccount struct {
	Balance      LoyaltyBalance       `json:"balance"`
	Transactions []LoyaltyTransaction `json:"transactions"`
}

type LedgerFailureListResponse struct {
	Failures []LedgerFailure `json:"failures"`
}
