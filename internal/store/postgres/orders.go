package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/store"
	"kasirsync/backend/internal/xid"
)

type orderRow struct {
	ID                 string         `db:"id"`
	LocationID         string         `db:"location_id"`
	CustomerID         sql.NullString `db:"customer_id"`
	DeviceID           sql.NullString `db:"device_id"`
	CartID             sql.NullString `db:"cart_id"`
	Status             string         `db:"status"`
	TotalCents         int64          `db:"total_cents"`
	PaymentReference   string         `db:"payment_reference"`
	PaymentMethod      string         `db:"payment_method"`
	PaymentAmountCents int64          `db:"payment_amount_cents"`
	CreatedAt          time.Time      `db:"created_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{
		ID:                 r.ID,
		LocationID:         r.LocationID,
		CustomerID:         r.CustomerID.String,
		DeviceID:           r.DeviceID.String,
		CartID:             r.CartID.String,
		Status:             r.Status,
		TotalCents:         r.TotalCents,
		PaymentReference:   r.PaymentReference,
		PaymentMethod:      r.PaymentMethod,
		PaymentAmountCents: r.PaymentAmountCents,
		CreatedAt:          r.CreatedAt.UTC(),
		CompletedAt:        nullTime(r.CompletedAt),
	}
}

type orderItemRow struct {
	ID             string          `db:"id"`
	OrderID        string          `db:"order_id"`
	LineNo         int             `db:"line_no"`
	ProductID      string          `db:"product_id"`
	TierLabel      string          `db:"tier_label"`
	TierQuantity   decimal.Decimal `db:"tier_quantity"`
	UnitOfMeasure  string          `db:"unit_of_measure"`
	UnitPriceCents int64           `db:"unit_price_cents"`
	LineTotalCents int64           `db:"line_total_cents"`
	DiscountCents  int64           `db:"discount_cents"`
	InventoryLotID sql.NullString  `db:"inventory_lot_id"`
}

const orderColumns = `id, location_id, customer_id, device_id, cart_id, status, total_cents,
	payment_reference, payment_method, payment_amount_cents, created_at, completed_at`

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.OrderCommit, error) {
	if len(order.Items) == 0 || order.PaymentReference == "" || order.LocationID == "" {
		return nil, store.ErrInvalidRequest
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}

	var commit *domain.OrderCommit
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		commit = nil
		staged := order
		staged.Status = domain.OrderStatusPending
		staged.Items = make([]domain.OrderItem, len(order.Items))

		if staged.CartID != "" {
			if err := lockLocationQueue(ctx, tx, staged.LocationID); err != nil {
				return err
			}
		}

		err := tx.GetContext(ctx, &staged.CreatedAt, `
			INSERT INTO orders (
				id, location_id, customer_id, device_id, cart_id, status, total_cents,
				payment_reference, payment_method, payment_amount_cents, created_at
			)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, now())
			ON CONFLICT (payment_reference) DO NOTHING
			RETURNING created_at
		`, staged.ID, staged.LocationID, nullIfEmpty(staged.CustomerID), nullIfEmpty(staged.DeviceID),
			nullIfEmpty(staged.CartID), staged.TotalCents, staged.PaymentReference, staged.PaymentMethod,
			staged.PaymentAmountCents)
		if errors.Is(err, sql.ErrNoRows) {
			// Another commit already owns this payment reference.
			return errDuplicatePayment
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("cart %s: %w", staged.CartID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if staged.CartID != "" {
			cart, err := lockActiveCart(ctx, tx, staged.CartID)
			if err != nil {
				return fmt.Errorf("cart %s: %w", staged.CartID, err)
			}
			if cart.LocationID != staged.LocationID {
				return fmt.Errorf("%w: cart belongs to another location", store.ErrInvalidRequest)
			}
		}

		for i, item := range order.Items {
			item.ID = xid.New("oitem")
			item.OrderID = staged.ID
			item.LineNo = i + 1
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					id, order_id, line_no, product_id, tier_label, tier_quantity, unit_of_measure,
					unit_price_cents, line_total_cents, discount_cents, inventory_lot_id
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, item.ID, item.OrderID, item.LineNo, item.ProductID, item.TierLabel, item.TierQuantity,
				item.UnitOfMeasure, item.UnitPriceCents, item.LineTotalCents, item.DiscountCents,
				nullIfEmpty(item.InventoryLotID))
			if err != nil {
				return fmt.Errorf("insert order item %d: %w", item.LineNo, err)
			}
			staged.Items[i] = item
		}

		var completedAt time.Time
		err = tx.GetContext(ctx, &completedAt, `
			UPDATE orders
			SET status = 'completed', completed_at = now()
			WHERE id = $1 AND status = 'pending'
			RETURNING completed_at
		`, staged.ID)
		if err != nil {
			return err
		}
		completedAt = completedAt.UTC()
		staged.Status = domain.OrderStatusCompleted
		staged.CompletedAt = &completedAt
		staged.CreatedAt = staged.CreatedAt.UTC()

		commit = &domain.OrderCommit{Order: staged}
		if staged.CartID == "" {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE carts SET status = 'converted', updated_at = now() WHERE id = $1
		`, staged.CartID); err != nil {
			return err
		}
		var released queueRow
		err = tx.GetContext(ctx, &released, `
			DELETE FROM location_queue_entries
			WHERE cart_id = $1
			RETURNING `+queueColumns, staged.CartID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := compactQueue(ctx, tx, released.LocationID, released.Position); err != nil {
			return err
		}
		entry := released.toDomain()
		commit.ReleasedFrom = &entry
		return nil
	})
	if errors.Is(err, errDuplicatePayment) {
		existing, lookupErr := s.FindOrderByPaymentReference(ctx, order.PaymentReference)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return &domain.OrderCommit{Order: *existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return commit, nil
}

var errDuplicatePayment = errors.New("payment reference already committed")

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, `WHERE id = $1`, id)
}

func (s *Store) FindOrderByPaymentReference(ctx context.Context, reference string) (*domain.Order, error) {
	return s.findOrder(ctx, `WHERE payment_reference = $1`, reference)
}

func (s *Store) findOrder(ctx context.Context, where string, arg string) (*domain.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders `+where, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var itemRows []orderItemRow
	err = s.db.SelectContext(ctx, &itemRows, `
		SELECT id, order_id, line_no, product_id, tier_label, tier_quantity, unit_of_measure,
			unit_price_cents, line_total_cents, discount_cents, inventory_lot_id
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no
	`, row.ID)
	if err != nil {
		return nil, err
	}

	order := row.toDomain()
	order.Items = make([]domain.OrderItem, 0, len(itemRows))
	for _, item := range itemRows {
		order.Items = append(order.Items, domain.OrderItem{
			ID:             item.ID,
			OrderID:        item.OrderID,
			LineNo:         item.LineNo,
			ProductID:      item.ProductID,
			TierLabel:      item.TierLabel,
			TierQuantity:   item.TierQuantity,
			UnitOfMeasure:  item.UnitOfMeasure,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: item.LineTotalCents,
			DiscountCents:  item.DiscountCents,
			InventoryLotID: item.InventoryLotID.String,
		})
	}
	return &order, nil
}
