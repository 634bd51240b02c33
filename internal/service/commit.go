package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/realtime"
	"kasirsync/backend/internal/store"
	"kasirsync/backend/internal/xid"
)

// CommitOrder writes an authorized sale. The order and all of its items land
// in one transaction or not at all; inventory and loyalty follow as separate
// idempotent steps whose failures are recorded for retry instead of failing
// the sale.
func (s *Service) CommitOrder(ctx context.Context, req domain.CommitOrderRequest) (domain.CommitOrderResponse, error) {
	order, err := s.buildOrder(ctx, req)
	if err != nil {
		return domain.CommitOrderResponse{}, err
	}

	commit, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		s.logger.Error("order commit rolled back",
			zap.String("location_id", order.LocationID),
			zap.String("payment_reference", order.PaymentReference),
			zap.String("cart_id", order.CartID),
			zap.Int("item_count", len(order.Items)),
			zap.Error(err),
		)
		return domain.CommitOrderResponse{}, err
	}

	committed := commit.Order
	if commit.Duplicate {
		s.logger.Info("duplicate order commit",
			zap.String("order_id", committed.ID),
			zap.String("payment_reference", committed.PaymentReference),
		)
	} else {
		changes := []realtime.Change{{Table: realtime.TableOrders, Op: realtime.OpInsert, LocationID: committed.LocationID, SubjectID: committed.ID}}
		if committed.CartID != "" {
			changes = append(changes, realtime.Change{Table: realtime.TableCarts, Op: realtime.OpUpdate, LocationID: committed.LocationID, SubjectID: committed.CartID})
		}
		if commit.ReleasedFrom != nil {
			s.invalidateQueue(ctx, committed.LocationID)
			changes = append(changes, realtime.Change{Table: realtime.TableQueueEntries, Op: realtime.OpDelete, LocationID: committed.LocationID, SubjectID: commit.ReleasedFrom.ID})
		}
		s.publish(ctx, changes...)
	}

	pending := s.applyLedgers(ctx, committed)

	return domain.CommitOrderResponse{
		OrderID:              committed.ID,
		Status:               committed.Status,
		Duplicate:            commit.Duplicate,
		TotalCents:           committed.TotalCents,
		ItemCount:            len(committed.Items),
		PendingLedgerRetries: pending,
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if _, err := resolveLocation(ctx, order.LocationID); err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// buildOrder validates the canonical commit request and turns it into the
// order row to write. Nothing is written when validation fails.
func (s *Service) buildOrder(ctx context.Context, req domain.CommitOrderRequest) (domain.Order, error) {
	if req.SchemaVersion != domain.CommitSchemaVersion {
		return domain.Order{}, fmt.Errorf("%w: unsupported schema_version %d", store.ErrInvalidRequest, req.SchemaVersion)
	}
	locationID, err := resolveLocation(ctx, strings.TrimSpace(req.LocationID))
	if err != nil {
		return domain.Order{}, err
	}
	if len(req.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order has no items", store.ErrInvalidRequest)
	}

	payment := req.Payment
	payment.Reference = strings.TrimSpace(payment.Reference)
	payment.Method = strings.TrimSpace(payment.Method)
	if payment.Reference == "" || payment.Method == "" {
		return domain.Order{}, fmt.Errorf("%w: payment reference and method are required", store.ErrInvalidRequest)
	}
	if payment.AmountCents < 0 {
		return domain.Order{}, fmt.Errorf("%w: payment amount must not be negative", store.ErrInvalidRequest)
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	total := int64(0)
	for i, line := range req.Items {
		item := domain.OrderItem{
			LineNo:         i + 1,
			ProductID:      strings.TrimSpace(line.ProductID),
			TierLabel:      strings.TrimSpace(line.TierLabel),
			TierQuantity:   line.TierQuantity,
			UnitOfMeasure:  strings.TrimSpace(line.UnitOfMeasure),
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: line.LineTotalCents,
			DiscountCents:  line.DiscountCents,
			InventoryLotID: strings.TrimSpace(line.InventoryLotID),
		}
		if item.ProductID == "" || item.TierLabel == "" || item.UnitOfMeasure == "" {
			return domain.Order{}, fmt.Errorf("%w: item %d is missing product_id, tier_label or unit_of_measure", store.ErrInvalidRequest, item.LineNo)
		}
		if !item.TierQuantity.IsPositive() {
			return domain.Order{}, fmt.Errorf("%w: item %d tier_quantity must be positive", store.ErrInvalidRequest, item.LineNo)
		}
		if item.UnitPriceCents < 0 || item.LineTotalCents < 0 || item.DiscountCents < 0 {
			return domain.Order{}, fmt.Errorf("%w: item %d has a negative amount", store.ErrInvalidRequest, item.LineNo)
		}
		total += item.LineTotalCents
		items = append(items, item)
	}
	if payment.AmountCents != total {
		return domain.Order{}, fmt.Errorf("%w: payment amount %d does not match order total %d", store.ErrInvalidRequest, payment.AmountCents, total)
	}
	if err := s.checkOrderLots(ctx, locationID, items); err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		ID:                 xid.New("ord"),
		LocationID:         locationID,
		CustomerID:         strings.TrimSpace(req.CustomerID),
		CartID:             strings.TrimSpace(req.CartID),
		TotalCents:         total,
		PaymentReference:   payment.Reference,
		PaymentMethod:      payment.Method,
		PaymentAmountCents: payment.AmountCents,
		Items:              items,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		order.DeviceID = actor.DeviceID
	}
	return order, nil
}

// checkOrderLots holds order items to the rule cart items follow: a lot must
// exist, belong to the order's location and share the item's unit.
func (s *Service) checkOrderLots(ctx context.Context, locationID string, items []domain.OrderItem) error {
	lots := map[string]*domain.InventoryLot{}
	for _, item := range items {
		if item.InventoryLotID == "" {
			continue
		}
		lot, ok := lots[item.InventoryLotID]
		if !ok {
			var err error
			lot, err = s.repo.GetInventoryLot(ctx, item.InventoryLotID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: item %d names unknown inventory lot %s", store.ErrInvalidRequest, item.LineNo, item.InventoryLotID)
			}
			if err != nil {
				return err
			}
			lots[item.InventoryLotID] = lot
		}
		if lot.LocationID != locationID {
			return fmt.Errorf("%w: item %d lot %s belongs to another location", store.ErrInvalidRequest, item.LineNo, lot.ID)
		}
		if !strings.EqualFold(lot.UnitOfMeasure, item.UnitOfMeasure) {
			return fmt.Errorf("%w: item %d lot %s is measured in %s", store.ErrUnitMismatch, item.LineNo, lot.ID, lot.UnitOfMeasure)
		}
	}
	return nil
}
