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
)

// GetOrCreateCart returns the caller's active cart at the location, creating
// it if needed. Concurrent callers for the same owner converge on one cart.
func (s *Service) GetOrCreateCart(ctx context.Context, req domain.CartRequest) (domain.CartResponse, error) {
	locationID, err := resolveLocation(ctx, strings.TrimSpace(req.LocationID))
	if err != nil {
		return domain.CartResponse{}, err
	}
	key, err := cartKeyFor(ctx, locationID, strings.TrimSpace(req.CustomerID))
	if err != nil {
		return domain.CartResponse{}, err
	}

	cart, created, err := s.repo.GetOrCreateCart(ctx, key, req.FreshStart, s.clock().Add(s.cartTTL))
	if err != nil {
		return domain.CartResponse{}, err
	}

	switch {
	case created:
		s.publish(ctx, realtime.Change{Table: realtime.TableCarts, Op: realtime.OpInsert, LocationID: locationID, SubjectID: cart.ID})
	case req.FreshStart:
		s.publish(ctx, realtime.Change{Table: realtime.TableCarts, Op: realtime.OpUpdate, LocationID: locationID, SubjectID: cart.ID})
	}
	return domain.CartResponse{Cart: *cart, Created: created}, nil
}

func (s *Service) GetCart(ctx context.Context, cartID string) (domain.Cart, error) {
	cart, err := s.repo.GetCart(ctx, strings.TrimSpace(cartID))
	if err != nil {
		return domain.Cart{}, err
	}
	if _, err := resolveLocation(ctx, cart.LocationID); err != nil {
		return domain.Cart{}, err
	}
	return *cart, nil
}

func (s *Service) AddCartItem(ctx context.Context, cartID string, req domain.CartItemRequest) (domain.Cart, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.TierLabel = strings.TrimSpace(req.TierLabel)
	req.UnitOfMeasure = strings.TrimSpace(req.UnitOfMeasure)
	req.InventoryLotID = strings.TrimSpace(req.InventoryLotID)

	if req.ProductID == "" || req.TierLabel == "" || req.UnitOfMeasure == "" {
		return domain.Cart{}, fmt.Errorf("%w: product_id, tier_label and unit_of_measure are required", store.ErrInvalidRequest)
	}
	if !req.TierQuantity.IsPositive() {
		return domain.Cart{}, fmt.Errorf("%w: tier_quantity must be positive", store.ErrInvalidRequest)
	}
	if req.UnitPriceCents < 0 || req.LineTotalCents < 0 || req.DiscountCents < 0 {
		return domain.Cart{}, fmt.Errorf("%w: amounts must not be negative", store.ErrInvalidRequest)
	}

	current, err := s.GetCart(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}

	item, cart, err := s.repo.AddCartItem(ctx, domain.CartItem{
		CartID:         current.ID,
		ProductID:      req.ProductID,
		TierLabel:      req.TierLabel,
		TierQuantity:   req.TierQuantity,
		UnitOfMeasure:  req.UnitOfMeasure,
		UnitPriceCents: req.UnitPriceCents,
		LineTotalCents: req.LineTotalCents,
		DiscountCents:  req.DiscountCents,
		InventoryLotID: req.InventoryLotID,
	})
	if err != nil {
		return domain.Cart{}, err
	}

	s.publish(ctx, realtime.Change{Table: realtime.TableCartItems, Op: realtime.OpInsert, LocationID: cart.LocationID, SubjectID: item.ID})
	return *cart, nil
}

func (s *Service) RemoveCartItem(ctx context.Context, cartID string, itemID string) (domain.Cart, error) {
	current, err := s.GetCart(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}

	cart, err := s.repo.RemoveCartItem(ctx, current.ID, strings.TrimSpace(itemID))
	if err != nil {
		return domain.Cart{}, err
	}

	s.publish(ctx, realtime.Change{Table: realtime.TableCartItems, Op: realtime.OpDelete, LocationID: cart.LocationID, SubjectID: itemID})
	return *cart, nil
}

// AddCustomerToQueue places the owner in the location's queue with a cart.
// Repeating the call returns the existing entry and position.
func (s *Service) AddCustomerToQueue(ctx context.Context, req domain.QueueAddRequest) (domain.QueueAddResponse, error) {
	locationID, err := resolveLocation(ctx, strings.TrimSpace(req.LocationID))
	if err != nil {
		return domain.QueueAddResponse{}, err
	}
	key, err := cartKeyFor(ctx, locationID, strings.TrimSpace(req.CustomerID))
	if err != nil {
		return domain.QueueAddResponse{}, err
	}

	mutation, err := s.repo.AddCustomerToQueue(ctx, key, s.clock().Add(s.cartTTL))
	if err != nil {
		return domain.QueueAddResponse{}, err
	}
	s.invalidateQueue(ctx, locationID)

	changes := make([]realtime.Change, 0, 2)
	if mutation.CartCreated {
		changes = append(changes, realtime.Change{Table: realtime.TableCarts, Op: realtime.OpInsert, LocationID: locationID, SubjectID: mutation.Cart.ID})
	}
	op := realtime.OpUpdate
	if mutation.EntryNew {
		op = realtime.OpInsert
	}
	changes = append(changes, realtime.Change{Table: realtime.TableQueueEntries, Op: op, LocationID: locationID, SubjectID: mutation.Entry.ID})
	s.publish(ctx, changes...)

	return domain.QueueAddResponse{
		QueueEntryID: mutation.Entry.ID,
		CartID:       mutation.Cart.ID,
		Position:     mutation.Entry.Position,
		CreatedNew:   mutation.EntryNew,
	}, nil
}

// RemoveFromQueue acknowledges removal even when the owner was not queued.
func (s *Service) RemoveFromQueue(ctx context.Context, locationID string, customerID string) (domain.QueueRemoveResponse, error) {
	locationID, err := resolveLocation(ctx, strings.TrimSpace(locationID))
	if err != nil {
		return domain.QueueRemoveResponse{}, err
	}
	key, err := cartKeyFor(ctx, locationID, strings.TrimSpace(customerID))
	if err != nil {
		return domain.QueueRemoveResponse{}, err
	}

	entry, err := s.repo.RemoveFromQueue(ctx, locationID, key.OwnerKey())
	if errors.Is(err, store.ErrNotFound) {
		return domain.QueueRemoveResponse{Removed: false}, nil
	}
	if err != nil {
		return domain.QueueRemoveResponse{}, err
	}
	s.invalidateQueue(ctx, locationID)

	s.publish(ctx, realtime.Change{Table: realtime.TableQueueEntries, Op: realtime.OpDelete, LocationID: locationID, SubjectID: entry.ID})
	return domain.QueueRemoveResponse{Removed: true, QueueEntryID: entry.ID}, nil
}

func (s *Service) ListQueue(ctx context.Context, locationID string) (domain.QueueSnapshot, error) {
	locationID, err := resolveLocation(ctx, strings.TrimSpace(locationID))
	if err != nil {
		return domain.QueueSnapshot{}, err
	}

	if cached, ok, err := s.queueCache.Get(ctx, locationID); err != nil {
		s.logger.Warn("read queue cache", zap.String("location_id", locationID), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	entries, err := s.repo.ListQueue(ctx, locationID)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	snapshot := domain.QueueSnapshot{LocationID: locationID, Entries: entries, GeneratedAt: s.clock()}

	if s.queueCacheTTL > 0 {
		if err := s.queueCache.Set(ctx, &snapshot, s.queueCacheTTL); err != nil {
			s.logger.Warn("write queue cache", zap.String("location_id", locationID), zap.Error(err))
		}
	}
	return snapshot, nil
}

// ExpireCarts abandons idle carts and reports how many were closed.
func (s *Service) ExpireCarts(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireCarts(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	for _, cart := range expired {
		s.publish(ctx, realtime.Change{Table: realtime.TableCarts, Op: realtime.OpUpdate, LocationID: cart.LocationID, SubjectID: cart.ID})
	}
	if len(expired) > 0 {
		s.logger.Info("abandoned expired carts", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}
