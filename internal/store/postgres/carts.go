package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/store"
	"kasirsync/backend/internal/xid"
)

type cartRow struct {
	ID         string         `db:"id"`
	LocationID string         `db:"location_id"`
	OwnerKey   string         `db:"owner_key"`
	CustomerID sql.NullString `db:"customer_id"`
	DeviceID   sql.NullString `db:"device_id"`
	Status     string         `db:"status"`
	ExpiresAt  time.Time      `db:"expires_at"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
	Created    bool           `db:"created"`
}

func (r cartRow) toDomain() domain.Cart {
	return domain.Cart{
		ID:         r.ID,
		LocationID: r.LocationID,
		CustomerID: r.CustomerID.String,
		DeviceID:   r.DeviceID.String,
		OwnerKey:   r.OwnerKey,
		Status:     r.Status,
		ExpiresAt:  r.ExpiresAt.UTC(),
		Items:      []domain.CartItem{},
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

type cartItemRow struct {
	ID             string          `db:"id"`
	CartID         string          `db:"cart_id"`
	ProductID      string          `db:"product_id"`
	TierLabel      string          `db:"tier_label"`
	TierQuantity   decimal.Decimal `db:"tier_quantity"`
	UnitOfMeasure  string          `db:"unit_of_measure"`
	UnitPriceCents int64           `db:"unit_price_cents"`
	LineTotalCents int64           `db:"line_total_cents"`
	DiscountCents  int64           `db:"discount_cents"`
	InventoryLotID sql.NullString  `db:"inventory_lot_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r cartItemRow) toDomain() domain.CartItem {
	return domain.CartItem{
		ID:             r.ID,
		CartID:         r.CartID,
		ProductID:      r.ProductID,
		TierLabel:      r.TierLabel,
		TierQuantity:   r.TierQuantity,
		UnitOfMeasure:  r.UnitOfMeasure,
		UnitPriceCents: r.UnitPriceCents,
		LineTotalCents: r.LineTotalCents,
		DiscountCents:  r.DiscountCents,
		InventoryLotID: r.InventoryLotID.String,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type queueRow struct {
	ID         string         `db:"id"`
	LocationID string         `db:"location_id"`
	OwnerKey   string         `db:"owner_key"`
	CustomerID sql.NullString `db:"customer_id"`
	DeviceID   sql.NullString `db:"device_id"`
	CartID     string         `db:"cart_id"`
	Position   int            `db:"position"`
	AddedAt    time.Time      `db:"added_at"`
	Created    bool           `db:"created"`
}

func (r queueRow) toDomain() domain.QueueEntry {
	return domain.QueueEntry{
		ID:         r.ID,
		LocationID: r.LocationID,
		CustomerID: r.CustomerID.String,
		DeviceID:   r.DeviceID.String,
		OwnerKey:   r.OwnerKey,
		CartID:     r.CartID,
		Position:   r.Position,
		AddedAt:    r.AddedAt.UTC(),
	}
}

const cartColumns = `id, location_id, owner_key, customer_id, device_id, status, expires_at, created_at, updated_at`

const queueColumns = `id, location_id, owner_key, customer_id, device_id, cart_id, position, added_at`

// upsertCartSQL is one statement: insert-or-refresh the active cart and,
// when $7 is true, clear its items.
const upsertCartSQL = `
	WITH upserted AS (
		INSERT INTO carts (id, location_id, owner_key, customer_id, device_id, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, now(), now())
		ON CONFLICT (location_id, owner_key) WHERE status = 'active'
		DO UPDATE SET expires_at = EXCLUDED.expires_at, updated_at = now()
		RETURNING ` + cartColumns + `, (xmax = 0) AS created
	), cleared AS (
		DELETE FROM cart_items
		WHERE $7::boolean AND cart_id IN (SELECT id FROM upserted)
	)
	SELECT ` + cartColumns + `, created FROM upserted
`

func upsertCart(ctx context.Context, q sqlx.QueryerContext, key domain.CartKey, freshStart bool, expiresAt time.Time) (cartRow, error) {
	var row cartRow
	err := sqlx.GetContext(ctx, q, &row, upsertCartSQL,
		xid.New("cart"), key.LocationID, key.OwnerKey(), nullIfEmpty(key.CustomerID), nullIfEmpty(key.DeviceID),
		expiresAt.UTC(), freshStart)
	return row, err
}

func (s *Store) GetOrCreateCart(ctx context.Context, key domain.CartKey, freshStart bool, expiresAt time.Time) (*domain.Cart, bool, error) {
	if key.LocationID == "" || key.OwnerKey() == "" {
		return nil, false, store.ErrInvalidRequest
	}

	row, err := upsertCart(ctx, s.db, key, freshStart, expiresAt)
	if err != nil {
		return nil, false, err
	}
	cart := row.toDomain()
	if !freshStart && !row.Created {
		items, err := s.cartItems(ctx, s.db, cart.ID)
		if err != nil {
			return nil, false, err
		}
		cart.Items = items
	}
	return &cart, row.Created, nil
}

func (s *Store) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	var row cartRow
	err := s.db.GetContext(ctx, &row, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, cartID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	cart := row.toDomain()
	items, err := s.cartItems(ctx, s.db, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return &cart, nil
}

func (s *Store) cartItems(ctx context.Context, q sqlx.QueryerContext, cartID string) ([]domain.CartItem, error) {
	var rows []cartItemRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, cart_id, product_id, tier_label, tier_quantity, unit_of_measure,
			unit_price_cents, line_total_cents, discount_cents, inventory_lot_id, created_at
		FROM cart_items
		WHERE cart_id = $1
		ORDER BY created_at, id
	`, cartID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.CartItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// lockActiveCart row-locks the cart and fails unless it is still active.
func lockActiveCart(ctx context.Context, tx *sqlx.Tx, cartID string) (cartRow, error) {
	var row cartRow
	err := tx.GetContext(ctx, &row, `SELECT `+cartColumns+` FROM carts WHERE id = $1 FOR UPDATE`, cartID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, store.ErrNotFound
		}
		return row, err
	}
	if row.Status != domain.CartStatusActive {
		return row, store.ErrCartNotActive
	}
	return row, nil
}

func (s *Store) AddCartItem(ctx context.Context, item domain.CartItem) (*domain.CartItem, *domain.Cart, error) {
	if item.ID == "" {
		item.ID = xid.New("citem")
	}

	var cart domain.Cart
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		row, err := lockActiveCart(ctx, tx, item.CartID)
		if err != nil {
			return err
		}

		if item.InventoryLotID != "" {
			var lotUnit string
			err := tx.GetContext(ctx, &lotUnit, `SELECT unit_of_measure FROM inventory_lots WHERE id = $1`, item.InventoryLotID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: inventory lot %s", store.ErrNotFound, item.InventoryLotID)
			}
			if err != nil {
				return err
			}
			if !strings.EqualFold(lotUnit, item.UnitOfMeasure) {
				return fmt.Errorf("%w: lot %s is measured in %s", store.ErrUnitMismatch, item.InventoryLotID, lotUnit)
			}
		}

		err = tx.GetContext(ctx, &item.CreatedAt, `
			INSERT INTO cart_items (
				id, cart_id, product_id, tier_label, tier_quantity, unit_of_measure,
				unit_price_cents, line_total_cents, discount_cents, inventory_lot_id, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			RETURNING created_at
		`, item.ID, item.CartID, item.ProductID, item.TierLabel, item.TierQuantity, item.UnitOfMeasure,
			item.UnitPriceCents, item.LineTotalCents, item.DiscountCents, nullIfEmpty(item.InventoryLotID))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = now() WHERE id = $1`, item.CartID); err != nil {
			return err
		}

		cart = row.toDomain()
		cart.Items, err = s.cartItems(ctx, tx, item.CartID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, &cart, nil
}

func (s *Store) RemoveCartItem(ctx context.Context, cartID string, itemID string) (*domain.Cart, error) {
	var cart domain.Cart
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		row, err := lockActiveCart(ctx, tx, cartID)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`, itemID, cartID)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return store.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = now() WHERE id = $1`, cartID); err != nil {
			return err
		}
		cart = row.toDomain()
		cart.Items, err = s.cartItems(ctx, tx, cartID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

func (s *Store) AddCustomerToQueue(ctx context.Context, key domain.CartKey, expiresAt time.Time) (*domain.QueueMutation, error) {
	if key.LocationID == "" || key.OwnerKey() == "" {
		return nil, store.ErrInvalidRequest
	}

	var mutation domain.QueueMutation
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := lockLocationQueue(ctx, tx, key.LocationID); err != nil {
			return err
		}

		cart, err := upsertCart(ctx, tx, key, false, expiresAt)
		if err != nil {
			return err
		}

		var entry queueRow
		err = tx.GetContext(ctx, &entry, `
			INSERT INTO location_queue_entries (id, location_id, owner_key, customer_id, device_id, cart_id, position, added_at)
			VALUES ($1, $2, $3, $4, $5, $6,
				(SELECT COALESCE(MAX(position), 0) + 1 FROM location_queue_entries WHERE location_id = $2),
				clock_timestamp())
			ON CONFLICT (location_id, owner_key)
			DO UPDATE SET cart_id = EXCLUDED.cart_id, added_at = EXCLUDED.added_at
			RETURNING `+queueColumns+`, (xmax = 0) AS created
		`, xid.New("qe"), key.LocationID, key.OwnerKey(), nullIfEmpty(key.CustomerID), nullIfEmpty(key.DeviceID), cart.ID)
		if err != nil {
			return err
		}

		mutation = domain.QueueMutation{
			Entry:       entry.toDomain(),
			Cart:        cart.toDomain(),
			EntryNew:    entry.Created,
			CartCreated: cart.Created,
		}
		if !cart.Created {
			mutation.Cart.Items, err = s.cartItems(ctx, tx, cart.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &mutation, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, locationID string, ownerKey string) (*domain.QueueEntry, error) {
	var removed domain.QueueEntry
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := lockLocationQueue(ctx, tx, locationID); err != nil {
			return err
		}
		var row queueRow
		err := tx.GetContext(ctx, &row, `
			DELETE FROM location_queue_entries
			WHERE location_id = $1 AND owner_key = $2
			RETURNING `+queueColumns, locationID, ownerKey)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if err := compactQueue(ctx, tx, locationID, row.Position); err != nil {
			return err
		}
		removed = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &removed, nil
}

// compactQueue closes the gap left at position. The caller holds the
// location queue lock.
func compactQueue(ctx context.Context, tx *sqlx.Tx, locationID string, position int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE location_queue_entries
		SET position = position - 1
		WHERE location_id = $1 AND position > $2
	`, locationID, position)
	return err
}

func (s *Store) ListQueue(ctx context.Context, locationID string) ([]domain.QueueEntry, error) {
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+queueColumns+`
		FROM location_queue_entries
		WHERE location_id = $1
		ORDER BY position
	`, locationID)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toDomain())
	}
	return entries, nil
}

func (s *Store) ExpireCarts(ctx context.Context, now time.Time) ([]domain.Cart, error) {
	var rows []cartRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE carts c
		SET status = 'abandoned', updated_at = $1
		WHERE c.status = 'active'
			AND c.expires_at < $1
			AND NOT EXISTS (SELECT 1 FROM location_queue_entries q WHERE q.cart_id = c.id)
		RETURNING `+cartColumns, now.UTC())
	if err != nil {
		return nil, err
	}
	carts := make([]domain.Cart, 0, len(rows))
	for _, row := range rows {
		carts = append(carts, row.toDomain())
	}
	return carts, nil
}
