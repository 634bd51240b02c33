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

type inventoryLotRow struct {
	ID            string          `db:"id"`
	LocationID    string          `db:"location_id"`
	ProductID     string          `db:"product_id"`
	UnitOfMeasure string          `db:"unit_of_measure"`
	QtyAvailable  decimal.Decimal `db:"qty_available"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

type inventoryTxRow struct {
	ID        string          `db:"id"`
	LotID     string          `db:"lot_id"`
	OrderID   string          `db:"order_id"`
	Type      string          `db:"type"`
	QtyDelta  decimal.Decimal `db:"qty_delta"`
	QtyAfter  decimal.Decimal `db:"qty_after"`
	CreatedAt time.Time       `db:"created_at"`
}

func (r inventoryTxRow) toDomain() domain.InventoryTransaction {
	return domain.InventoryTransaction{
		ID:        r.ID,
		LotID:     r.LotID,
		OrderID:   r.OrderID,
		Type:      r.Type,
		QtyDelta:  r.QtyDelta,
		QtyAfter:  r.QtyAfter,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type loyaltyTxRow struct {
	ID         string    `db:"id"`
	CustomerID string    `db:"customer_id"`
	OrderID    string    `db:"order_id"`
	Type       string    `db:"type"`
	Points     int64     `db:"points"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r loyaltyTxRow) toDomain() domain.LoyaltyTransaction {
	return domain.LoyaltyTransaction{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		OrderID:    r.OrderID,
		Type:       r.Type,
		Points:     r.Points,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

type ledgerFailureRow struct {
	ID         string          `db:"id"`
	OrderID    string          `db:"order_id"`
	Kind       string          `db:"kind"`
	LocationID string          `db:"location_id"`
	CustomerID sql.NullString  `db:"customer_id"`
	LotID      sql.NullString  `db:"lot_id"`
	Quantity   decimal.Decimal `db:"quantity"`
	Points     int64           `db:"points"`
	LineItems  []byte          `db:"line_items"`
	LastError  string          `db:"last_error"`
	Attempts   int             `db:"attempts"`
	CreatedAt  time.Time       `db:"created_at"`
	ResolvedAt sql.NullTime    `db:"resolved_at"`
}

func (r ledgerFailureRow) toDomain() domain.LedgerFailure {
	return domain.LedgerFailure{
		ID:         r.ID,
		OrderID:    r.OrderID,
		Kind:       r.Kind,
		LocationID: r.LocationID,
		CustomerID: r.CustomerID.String,
		LotID:      r.LotID.String,
		Quantity:   r.Quantity,
		Points:     r.Points,
		LineItems:  r.LineItems,
		LastError:  r.LastError,
		Attempts:   r.Attempts,
		CreatedAt:  r.CreatedAt.UTC(),
		ResolvedAt: nullTime(r.ResolvedAt),
	}
}

const inventoryTxColumns = `id, lot_id, order_id, type, qty_delta, qty_after, created_at`

const ledgerFailureColumns = `id, order_id, kind, location_id, customer_id, lot_id, quantity, points,
	line_items, last_error, attempts, created_at, resolved_at`

func (s *Store) GetInventoryLot(ctx context.Context, lotID string) (*domain.InventoryLot, error) {
	var row inventoryLotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, location_id, product_id, unit_of_measure, qty_available, updated_at
		FROM inventory_lots
		WHERE id = $1
	`, lotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &domain.InventoryLot{
		ID:            row.ID,
		LocationID:    row.LocationID,
		ProductID:     row.ProductID,
		UnitOfMeasure: row.UnitOfMeasure,
		QtyAvailable:  row.QtyAvailable,
		UpdatedAt:     row.UpdatedAt.UTC(),
	}, nil
}

// DeductInventory claims the (lot, order) key first so that concurrent
// retries of the same deduction block on the unique index instead of both
// decrementing the lot.
func (s *Store) DeductInventory(ctx context.Context, lotID string, quantity decimal.Decimal, orderID string, allowNegative bool) (*domain.InventoryTransaction, bool, error) {
	if lotID == "" || orderID == "" || !quantity.IsPositive() {
		return nil, false, store.ErrInvalidRequest
	}

	var (
		result    domain.InventoryTransaction
		duplicate bool
	)
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		duplicate = false
		var row inventoryTxRow
		err := tx.GetContext(ctx, &row, `
			INSERT INTO inventory_transactions (id, lot_id, order_id, type, qty_delta, qty_after, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, now())
			ON CONFLICT (lot_id, order_id) DO NOTHING
			RETURNING `+inventoryTxColumns,
			xid.New("itx"), lotID, orderID, domain.InventoryTxDeduction, quantity.Neg())
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.GetContext(ctx, &row, `
				SELECT `+inventoryTxColumns+`
				FROM inventory_transactions
				WHERE lot_id = $1 AND order_id = $2
			`, lotID, orderID)
			if err != nil {
				return err
			}
			duplicate = true
			result = row.toDomain()
			return nil
		}
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		var remaining decimal.Decimal
		err = tx.GetContext(ctx, &remaining, `
			UPDATE inventory_lots
			SET qty_available = qty_available - $2, updated_at = now()
			WHERE id = $1 AND ($3::boolean OR qty_available >= $2)
			RETURNING qty_available
		`, lotID, quantity, allowNegative)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrInsufficientStock
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE inventory_transactions SET qty_after = $2 WHERE id = $1`, row.ID, remaining); err != nil {
			return err
		}
		row.QtyAfter = remaining
		result = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, duplicate, nil
}

func (s *Store) ListInventoryTransactions(ctx context.Context, lotID string) ([]domain.InventoryTransaction, error) {
	var rows []inventoryTxRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+inventoryTxColumns+`
		FROM inventory_transactions
		WHERE lot_id = $1
		ORDER BY created_at, id
	`, lotID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.InventoryTransaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

type loyaltyBalanceRow struct {
	Points    int64     `db:"points"`
	UpdatedAt time.Time `db:"updated_at"`
}

// recomputeBalance rewrites the cached balance from the ledger.
func recomputeBalance(ctx context.Context, q sqlx.QueryerContext, customerID string) (domain.LoyaltyBalance, error) {
	var row loyaltyBalanceRow
	err := sqlx.GetContext(ctx, q, &row, `
		INSERT INTO loyalty_balances (customer_id, points, updated_at)
		SELECT $1, COALESCE(SUM(points), 0), now()
		FROM loyalty_transactions
		WHERE customer_id = $1
		ON CONFLICT (customer_id)
		DO UPDATE SET points = EXCLUDED.points, updated_at = EXCLUDED.updated_at
		RETURNING points, updated_at
	`, customerID)
	if err != nil {
		return domain.LoyaltyBalance{}, err
	}
	return domain.LoyaltyBalance{CustomerID: customerID, Points: row.Points, UpdatedAt: row.UpdatedAt.UTC()}, nil
}

func lockCustomerLedger(ctx context.Context, tx *sqlx.Tx, customerID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('loyalty:' || $1))`, customerID)
	return err
}

func (s *Store) AwardPoints(ctx context.Context, customerID string, orderID string, points int64) (*domain.LoyaltyTransaction, int64, bool, error) {
	if customerID == "" || orderID == "" || points < 0 {
		return nil, 0, false, store.ErrInvalidRequest
	}

	var (
		result    domain.LoyaltyTransaction
		balance   domain.LoyaltyBalance
		duplicate bool
	)
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		duplicate = false
		if err := lockCustomerLedger(ctx, tx, customerID); err != nil {
			return err
		}

		var row loyaltyTxRow
		err := tx.GetContext(ctx, &row, `
			INSERT INTO loyalty_transactions (id, customer_id, order_id, type, points, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (customer_id, order_id, type) DO NOTHING
			RETURNING id, customer_id, order_id, type, points, created_at
		`, xid.New("ltx"), customerID, orderID, domain.LoyaltyTxEarned, points)
		if errors.Is(err, sql.ErrNoRows) {
			duplicate = true
			err = tx.GetContext(ctx, &row, `
				SELECT id, customer_id, order_id, type, points, created_at
				FROM loyalty_transactions
				WHERE customer_id = $1 AND order_id = $2 AND type = $3
			`, customerID, orderID, domain.LoyaltyTxEarned)
		}
		if err != nil {
			return err
		}
		result = row.toDomain()

		balance, err = recomputeBalance(ctx, tx, customerID)
		return err
	})
	if err != nil {
		return nil, 0, false, err
	}
	return &result, balance.Points, duplicate, nil
}

func (s *Store) GetLoyaltyBalance(ctx context.Context, customerID string) (*domain.LoyaltyBalance, error) {
	var row loyaltyBalanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT points, updated_at FROM loyalty_balances WHERE customer_id = $1
	`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.LoyaltyBalance{CustomerID: customerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.LoyaltyBalance{CustomerID: customerID, Points: row.Points, UpdatedAt: row.UpdatedAt.UTC()}, nil
}

func (s *Store) RecomputeLoyaltyBalance(ctx context.Context, customerID string) (*domain.LoyaltyBalance, error) {
	var balance domain.LoyaltyBalance
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := lockCustomerLedger(ctx, tx, customerID); err != nil {
			return err
		}
		var err error
		balance, err = recomputeBalance(ctx, tx, customerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (s *Store) ListLoyaltyTransactions(ctx context.Context, customerID string) ([]domain.LoyaltyTransaction, error) {
	var rows []loyaltyTxRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, customer_id, order_id, type, points, created_at
		FROM loyalty_transactions
		WHERE customer_id = $1
		ORDER BY created_at, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LoyaltyTransaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) RecordLedgerFailure(ctx context.Context, failure domain.LedgerFailure) (*domain.LedgerFailure, bool, error) {
	if failure.ID == "" {
		failure.ID = xid.New("lfail")
	}
	var lineItems any
	if len(failure.LineItems) > 0 {
		lineItems = string(failure.LineItems)
	}

	var row ledgerFailureRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO ledger_failures (
			id, order_id, kind, location_id, customer_id, lot_id, quantity, points,
			line_items, last_error, attempts, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, now())
		ON CONFLICT (order_id, kind, (COALESCE(lot_id, ''))) WHERE resolved_at IS NULL DO NOTHING
		RETURNING `+ledgerFailureColumns,
		failure.ID, failure.OrderID, failure.Kind, failure.LocationID, nullIfEmpty(failure.CustomerID),
		nullIfEmpty(failure.LotID), failure.Quantity, failure.Points, lineItems, failure.LastError, failure.Attempts)
	if err == nil {
		recorded := row.toDomain()
		return &recorded, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	err = s.db.GetContext(ctx, &row, `
		UPDATE ledger_failures
		SET attempts = attempts + 1, last_error = $4
		WHERE order_id = $1 AND kind = $2 AND COALESCE(lot_id, '') = $3 AND resolved_at IS NULL
		RETURNING `+ledgerFailureColumns,
		failure.OrderID, failure.Kind, failure.LotID, failure.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("ledger failure for order %s resolved concurrently: %w", failure.OrderID, store.ErrNotFound)
		}
		return nil, false, err
	}
	existing := row.toDomain()
	return &existing, true, nil
}

func (s *Store) GetLedgerFailure(ctx context.Context, id string) (*domain.LedgerFailure, error) {
	var row ledgerFailureRow
	err := s.db.GetContext(ctx, &row, `SELECT `+ledgerFailureColumns+` FROM ledger_failures WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	failure := row.toDomain()
	return &failure, nil
}

func (s *Store) MarkLedgerFailureAttempt(ctx context.Context, id string, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_failures SET attempts = attempts + 1, last_error = $2 WHERE id = $1
	`, id, lastError)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ResolveLedgerFailure(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_failures SET resolved_at = COALESCE(resolved_at, $2) WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListLedgerFailures(ctx context.Context, includeResolved bool, limit int) ([]domain.LedgerFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ledgerFailureRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ledgerFailureColumns+`
		FROM ledger_failures
		WHERE $1::boolean OR resolved_at IS NULL
		ORDER BY created_at
		LIMIT $2
	`, includeResolved, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerFailure, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	var device domain.Device
	err := s.db.QueryRowContext(ctx, `
		SELECT id, location_id, name, role, secret_hash, active, created_at
		FROM devices
		WHERE id = $1
	`, id).Scan(&device.ID, &device.LocationID, &device.Name, &device.Role, &device.SecretHash, &device.Active, &device.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &device, nil
}
