package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/retry"
	"kasirsync/backend/internal/store"
)

const requeueBatchSize = 500

type lotDeduction struct {
	lotID    string
	quantity decimal.Decimal
}

// groupByLot sums quantities per lot in first-seen order. Deductions are
// keyed by (lot, order), so two lines drawing on one lot must be applied as
// a single deduction.
func groupByLot(items []domain.OrderItem) []lotDeduction {
	index := map[string]int{}
	out := make([]lotDeduction, 0, len(items))
	for _, item := range items {
		if item.InventoryLotID == "" {
			continue
		}
		if i, ok := index[item.InventoryLotID]; ok {
			out[i].quantity = out[i].quantity.Add(item.TierQuantity)
			continue
		}
		index[item.InventoryLotID] = len(out)
		out = append(out, lotDeduction{lotID: item.InventoryLotID, quantity: item.TierQuantity})
	}
	return out
}

// applyLedgers runs the post-commit inventory and loyalty steps for order and
// returns the ids of ledger failures left for the retry worker.
func (s *Service) applyLedgers(ctx context.Context, order domain.Order) []string {
	ctx = context.WithoutCancel(ctx)
	lineItems, err := json.Marshal(order.Items)
	if err != nil {
		s.logger.Error("encode order items for ledger failure", zap.String("order_id", order.ID), zap.Error(err))
	}

	for _, item := range order.Items {
		if item.InventoryLotID == "" {
			s.logger.Warn("order item has no inventory lot; deduction skipped",
				zap.String("order_id", order.ID),
				zap.Int("line_no", item.LineNo),
				zap.String("product_id", item.ProductID),
			)
		}
	}

	pending := make([]string, 0)
	for _, deduction := range groupByLot(order.Items) {
		if _, _, err := s.deductInventory(ctx, deduction.lotID, deduction.quantity, order.ID); err != nil {
			id := s.recordLedgerFailure(ctx, domain.LedgerFailure{
				OrderID:    order.ID,
				Kind:       domain.LedgerKindInventory,
				LocationID: order.LocationID,
				CustomerID: order.CustomerID,
				LotID:      deduction.lotID,
				Quantity:   deduction.quantity,
				LineItems:  lineItems,
				LastError:  err.Error(),
			}, err)
			if id != "" {
				pending = append(pending, id)
			}
		}
	}

	if order.CustomerID != "" {
		points := order.TotalCents / s.loyaltyCentsPerPoint
		if _, _, _, err := s.repo.AwardPoints(ctx, order.CustomerID, order.ID, points); err != nil {
			id := s.recordLedgerFailure(ctx, domain.LedgerFailure{
				OrderID:    order.ID,
				Kind:       domain.LedgerKindLoyalty,
				LocationID: order.LocationID,
				CustomerID: order.CustomerID,
				Points:     points,
				LineItems:  lineItems,
				LastError:  err.Error(),
			}, err)
			if id != "" {
				pending = append(pending, id)
			}
		}
	}
	return pending
}

func (s *Service) deductInventory(ctx context.Context, lotID string, quantity decimal.Decimal, orderID string) (*domain.InventoryTransaction, bool, error) {
	tx, duplicate, err := s.repo.DeductInventory(ctx, lotID, quantity, orderID, s.allowNegativeStock)
	if err != nil {
		return nil, false, err
	}
	if !duplicate && tx.QtyAfter.IsNegative() {
		s.logger.Warn("inventory lot oversold",
			zap.String("lot_id", lotID),
			zap.String("order_id", orderID),
			zap.String("qty_after", tx.QtyAfter.String()),
		)
	}
	return tx, duplicate, nil
}

// recordLedgerFailure persists and logs a failed ledger step, then schedules
// a retry. It returns the failure id, or "" if the failure could not be
// stored.
func (s *Service) recordLedgerFailure(ctx context.Context, failure domain.LedgerFailure, cause error) string {
	s.logger.Error("ledger step failed after order commit",
		zap.String("order_id", failure.OrderID),
		zap.String("kind", failure.Kind),
		zap.String("location_id", failure.LocationID),
		zap.String("customer_id", failure.CustomerID),
		zap.String("lot_id", failure.LotID),
		zap.ByteString("line_items", failure.LineItems),
		zap.Error(cause),
	)

	failure.Attempts = 1
	recorded, existing, err := s.repo.RecordLedgerFailure(ctx, failure)
	if err != nil {
		s.logger.Error("record ledger failure",
			zap.String("order_id", failure.OrderID),
			zap.String("kind", failure.Kind),
			zap.Error(err),
		)
		return ""
	}
	// An open failure for the same step already has a retry scheduled.
	if !existing {
		s.enqueueRetry(ctx, *recorded)
	}
	return recorded.ID
}

func (s *Service) enqueueRetry(ctx context.Context, failure domain.LedgerFailure) {
	if s.retryQueue == nil {
		return
	}
	attempt := failure.Attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	job := retry.Job{
		FailureID: failure.ID,
		Kind:      failure.Kind,
		OrderID:   failure.OrderID,
		Attempt:   attempt,
		NotBefore: s.clock(),
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := s.retryQueue.Enqueue(enqueueCtx, job); err != nil {
		s.logger.Warn("enqueue ledger retry",
			zap.String("failure_id", failure.ID),
			zap.Error(err),
		)
	}
}

// RetryLedgerFailure re-runs a recorded ledger step with its original
// idempotency key and resolves the failure on success.
func (s *Service) RetryLedgerFailure(ctx context.Context, failureID string) error {
	failure, err := s.repo.GetLedgerFailure(ctx, failureID)
	if err != nil {
		return err
	}
	if failure.ResolvedAt != nil {
		return nil
	}

	switch failure.Kind {
	case domain.LedgerKindInventory:
		_, _, err = s.deductInventory(ctx, failure.LotID, failure.Quantity, failure.OrderID)
	case domain.LedgerKindLoyalty:
		_, _, _, err = s.repo.AwardPoints(ctx, failure.CustomerID, failure.OrderID, failure.Points)
	default:
		err = fmt.Errorf("%w: unknown ledger kind %q", store.ErrInvalidRequest, failure.Kind)
	}
	if err != nil {
		if markErr := s.repo.MarkLedgerFailureAttempt(ctx, failure.ID, err.Error()); markErr != nil {
			s.logger.Warn("mark ledger failure attempt", zap.String("failure_id", failure.ID), zap.Error(markErr))
		}
		return err
	}

	if err := s.repo.ResolveLedgerFailure(ctx, failure.ID, s.clock()); err != nil {
		return err
	}
	s.logger.Info("ledger failure resolved",
		zap.String("failure_id", failure.ID),
		zap.String("order_id", failure.OrderID),
		zap.String("kind", failure.Kind),
	)
	return nil
}

// RequeuePendingFailures schedules every unresolved failure again. Run at
// startup so failures outlive a process-local retry queue.
func (s *Service) RequeuePendingFailures(ctx context.Context) (int, error) {
	if s.retryQueue == nil {
		return 0, nil
	}
	failures, err := s.repo.ListLedgerFailures(ctx, false, requeueBatchSize)
	if err != nil {
		return 0, err
	}
	for _, failure := range failures {
		s.enqueueRetry(ctx, failure)
	}
	return len(failures), nil
}

func (s *Service) ListLedgerFailures(ctx context.Context, includeResolved bool, limit int) (domain.LedgerFailureListResponse, error) {
	if err := requireRole(ctx, domain.RoleManager); err != nil {
		return domain.LedgerFailureListResponse{}, err
	}
	failures, err := s.repo.ListLedgerFailures(ctx, includeResolved, limit)
	if err != nil {
		return domain.LedgerFailureListResponse{}, err
	}
	return domain.LedgerFailureListResponse{Failures: failures}, nil
}

// DeductInventory applies one deduction directly. Repeating it for the same
// lot and order returns the original transaction.
func (s *Service) DeductInventory(ctx context.Context, req domain.InventoryDeductionRequest) (domain.InventoryDeductionResponse, error) {
	req.LotID = strings.TrimSpace(req.LotID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.LotID == "" || req.OrderID == "" {
		return domain.InventoryDeductionResponse{}, fmt.Errorf("%w: lot_id and order_id are required", store.ErrInvalidRequest)
	}
	if !req.Quantity.IsPositive() {
		return domain.InventoryDeductionResponse{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}

	lot, err := s.repo.GetInventoryLot(ctx, req.LotID)
	if err != nil {
		return domain.InventoryDeductionResponse{}, err
	}
	if _, err := resolveLocation(ctx, lot.LocationID); err != nil {
		return domain.InventoryDeductionResponse{}, err
	}

	tx, duplicate, err := s.deductInventory(ctx, req.LotID, req.Quantity, req.OrderID)
	if err != nil {
		return domain.InventoryDeductionResponse{}, err
	}
	return domain.InventoryDeductionResponse{
		Transaction: *tx,
		Duplicate:   duplicate,
		Oversold:    tx.QtyAfter.IsNegative(),
	}, nil
}

func (s *Service) GetInventoryLot(ctx context.Context, lotID string) (domain.InventoryLotDetail, error) {
	lot, err := s.repo.GetInventoryLot(ctx, strings.TrimSpace(lotID))
	if err != nil {
		return domain.InventoryLotDetail{}, err
	}
	if _, err := resolveLocation(ctx, lot.LocationID); err != nil {
		return domain.InventoryLotDetail{}, err
	}
	transactions, err := s.repo.ListInventoryTransactions(ctx, lot.ID)
	if err != nil {
		return domain.InventoryLotDetail{}, err
	}
	return domain.InventoryLotDetail{Lot: *lot, Transactions: transactions}, nil
}

// AwardPoints credits points once per (customer, order). Only managers award
// directly, and only against a stored order of that customer at their
// location. The returned balance is always recomputed from the ledger.
func (s *Service) AwardPoints(ctx context.Context, req domain.LoyaltyAwardRequest) (domain.LoyaltyAwardResponse, error) {
	if err := requireRole(ctx, domain.RoleManager); err != nil {
		return domain.LoyaltyAwardResponse{}, err
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.CustomerID == "" || req.OrderID == "" {
		return domain.LoyaltyAwardResponse{}, fmt.Errorf("%w: customer_id and order_id are required", store.ErrInvalidRequest)
	}
	if req.Points < 0 {
		return domain.LoyaltyAwardResponse{}, fmt.Errorf("%w: points must not be negative", store.ErrInvalidRequest)
	}

	order, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return domain.LoyaltyAwardResponse{}, err
	}
	if _, err := resolveLocation(ctx, order.LocationID); err != nil {
		return domain.LoyaltyAwardResponse{}, err
	}
	if order.CustomerID != req.CustomerID {
		return domain.LoyaltyAwardResponse{}, fmt.Errorf("%w: order %s does not belong to customer %s", store.ErrInvalidRequest, order.ID, req.CustomerID)
	}

	tx, balance, duplicate, err := s.repo.AwardPoints(ctx, req.CustomerID, req.OrderID, req.Points)
	if err != nil {
		return domain.LoyaltyAwardResponse{}, err
	}
	return domain.LoyaltyAwardResponse{Transaction: *tx, BalancePoints: balance, Duplicate: duplicate}, nil
}

func (s *Service) GetLoyaltyAccount(ctx context.Context, customerID string) (domain.LoyaltyAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.LoyaltyAccount{}, fmt.Errorf("%w: customer_id is required", store.ErrInvalidRequest)
	}
	balance, err := s.repo.GetLoyaltyBalance(ctx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	transactions, err := s.repo.ListLoyaltyTransactions(ctx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	return domain.LoyaltyAccount{Balance: *balance, Transactions: transactions}, nil
}

func (s *Service) RecomputeLoyaltyBalance(ctx context.Context, customerID string) (domain.LoyaltyBalance, error) {
	if err := requireRole(ctx, domain.RoleManager); err != nil {
		return domain.LoyaltyBalance{}, err
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.LoyaltyBalance{}, fmt.Errorf("%w: customer_id is required", store.ErrInvalidRequest)
	}
	balance, err := s.repo.RecomputeLoyaltyBalance(ctx, customerID)
	if err != nil {
		return domain.LoyaltyBalance{}, err
	}
	return *balance, nil
}
