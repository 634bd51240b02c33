package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/realtime"
	"kasirsync/backend/internal/retry"
	"kasirsync/backend/internal/store"
	"kasirsync/backend/internal/store/memory"
)

const testLocation = memory.DemoLocationID

type recordingPublisher struct {
	mu      sync.Mutex
	changes []realtime.Change
	err     error
}

func (p *recordingPublisher) PublishChange(_ context.Context, change realtime.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return p.err
}

func (p *recordingPublisher) has(table string, op string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, change := range p.changes {
		if change.Table == table && change.Op == op {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc       *Service
	repo      *memory.Store
	publisher *recordingPublisher
	retries   *retry.MemoryQueue
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	repo := memory.New()
	now := time.Now().UTC()
	for _, lot := range []domain.InventoryLot{
		{ID: "lot-gula-01", ProductID: "prd-gula-curah", UnitOfMeasure: "kg", QtyAvailable: decimal.RequireFromString("25.5")},
		{ID: "lot-telur-01", ProductID: "prd-telur", UnitOfMeasure: "each", QtyAvailable: decimal.RequireFromString("300")},
	} {
		lot.LocationID = testLocation
		lot.UpdatedAt = now
		repo.PutInventoryLot(lot)
	}

	publisher := &recordingPublisher{}
	retries := retry.NewMemoryQueue(16)
	svc := New(repo, Options{
		Logger:     zaptest.NewLogger(t),
		Publisher:  publisher,
		RetryQueue: retries,
		CartTTL:    time.Hour,
	})
	return testEnv{svc: svc, repo: repo, publisher: publisher, retries: retries}
}

func cashierContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		DeviceID:   "dev-register-01",
		LocationID: testLocation,
		Role:       domain.RoleCashier,
	})
}

func twoItemRequest(cartID string, reference string) domain.CommitOrderRequest {
	return domain.CommitOrderRequest{
		SchemaVersion: domain.CommitSchemaVersion,
		LocationID:    testLocation,
		CustomerID:    "cust-001",
		CartID:        cartID,
		Payment:       domain.PaymentAuthorization{Reference: reference, Method: "card", AmountCents: 2500 + 52500},
		Items: []domain.CommitLineItem{
			{ProductID: "prd-telur", TierLabel: "butir", TierQuantity: decimal.NewFromInt(1), UnitOfMeasure: "each", UnitPriceCents: 2500, LineTotalCents: 2500, InventoryLotID: "lot-telur-01"},
			{ProductID: "prd-gula-curah", TierLabel: "curah", TierQuantity: decimal.RequireFromString("3.5"), UnitOfMeasure: "kg", UnitPriceCents: 15000, LineTotalCents: 52500, InventoryLotID: "lot-gula-01"},
		},
	}
}

func lotQuantity(t *testing.T, repo *memory.Store, lotID string) decimal.Decimal {
	t.Helper()
	lot, err := repo.GetInventoryLot(context.Background(), lotID)
	if err != nil {
		t.Fatalf("get lot %s: %v", lotID, err)
	}
	return lot.QtyAvailable
}

func TestCommitOrderWritesItemsAndAppliesLedgers(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	queued, err := env.svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-001"})
	if err != nil {
		t.Fatalf("queue customer: %v", err)
	}

	resp, err := env.svc.CommitOrder(ctx, twoItemRequest(queued.CartID, "pay-001"))
	if err != nil {
		t.Fatalf("commit order: %v", err)
	}
	if resp.Status != domain.OrderStatusCompleted || resp.Duplicate || resp.ItemCount != 2 {
		t.Fatalf("unexpected commit response: %+v", resp)
	}
	if resp.TotalCents != 55000 || len(resp.PendingLedgerRetries) != 0 {
		t.Fatalf("unexpected totals or retries: %+v", resp)
	}

	order, err := env.svc.GetOrder(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(order.Items) != 2 || !order.Items[1].TierQuantity.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("unexpected order items: %+v", order.Items)
	}
	if order.DeviceID != "dev-register-01" {
		t.Fatalf("expected device to be stamped on order, got %q", order.DeviceID)
	}

	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("22")) {
		t.Fatalf("expected 22 kg left, got %s", got)
	}
	if got := lotQuantity(t, env.repo, "lot-telur-01"); !got.Equal(decimal.NewFromInt(299)) {
		t.Fatalf("expected 299 eggs left, got %s", got)
	}

	account, err := env.svc.GetLoyaltyAccount(ctx, "cust-001")
	if err != nil {
		t.Fatalf("loyalty account: %v", err)
	}
	if account.Balance.Points != 550 || len(account.Transactions) != 1 {
		t.Fatalf("expected 550 points from one transaction, got %+v", account)
	}

	snapshot, err := env.svc.ListQueue(ctx, "")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(snapshot.Entries) != 0 {
		t.Fatalf("expected queue entry released, got %+v", snapshot.Entries)
	}
	cart, err := env.svc.GetCart(ctx, queued.CartID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if cart.Status != domain.CartStatusConverted {
		t.Fatalf("expected converted cart, got %s", cart.Status)
	}

	if !env.publisher.has(realtime.TableOrders, realtime.OpInsert) || !env.publisher.has(realtime.TableQueueEntries, realtime.OpDelete) {
		t.Fatalf("expected order and queue release changes, got %+v", env.publisher.changes)
	}
}

func TestCommitOrderRollsBackWhenAnItemFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	queued, err := env.svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-001"})
	if err != nil {
		t.Fatalf("queue customer: %v", err)
	}

	env.repo.OrderItemHook = func(item domain.OrderItem) error {
		if item.LineNo == 2 {
			return errors.New("check constraint violated")
		}
		return nil
	}

	if _, err := env.svc.CommitOrder(ctx, twoItemRequest(queued.CartID, "pay-rollback")); err == nil {
		t.Fatalf("expected commit to fail")
	}

	if _, err := env.repo.FindOrderByPaymentReference(context.Background(), "pay-rollback"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no order row, got %v", err)
	}
	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("expected lot untouched, got %s", got)
	}
	snapshot, err := env.svc.ListQueue(ctx, testLocation)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(snapshot.Entries) != 1 {
		t.Fatalf("expected queue entry to remain, got %d", len(snapshot.Entries))
	}
	if env.publisher.has(realtime.TableOrders, realtime.OpInsert) {
		t.Fatalf("no order change should be published for a rolled back commit")
	}
}

func TestCommitOrderDuplicatePaymentReturnsExistingOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	req := twoItemRequest("", "pay-dup")
	first, err := env.svc.CommitOrder(ctx, req)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := env.svc.CommitOrder(ctx, req)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !second.Duplicate || second.OrderID != first.OrderID {
		t.Fatalf("expected duplicate of %s, got %+v", first.OrderID, second)
	}

	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("22")) {
		t.Fatalf("expected one deduction, lot has %s", got)
	}
	account, err := env.svc.GetLoyaltyAccount(ctx, "cust-001")
	if err != nil {
		t.Fatalf("loyalty account: %v", err)
	}
	if account.Balance.Points != 550 {
		t.Fatalf("expected points awarded once, got %d", account.Balance.Points)
	}
}

func TestCommitOrderRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	cases := map[string]func(req *domain.CommitOrderRequest){
		"schema version": func(req *domain.CommitOrderRequest) { req.SchemaVersion = 2 },
		"no items":       func(req *domain.CommitOrderRequest) { req.Items = nil },
		"zero quantity":  func(req *domain.CommitOrderRequest) { req.Items[0].TierQuantity = decimal.Zero },
		"negative price": func(req *domain.CommitOrderRequest) { req.Items[0].UnitPriceCents = -1 },
		"missing tier":   func(req *domain.CommitOrderRequest) { req.Items[1].TierLabel = " " },
		"no reference":   func(req *domain.CommitOrderRequest) { req.Payment.Reference = "" },
		"amount":         func(req *domain.CommitOrderRequest) { req.Payment.AmountCents-- },
	}
	for name, mutate := range cases {
		req := twoItemRequest("", "pay-invalid-"+name)
		mutate(&req)
		if _, err := env.svc.CommitOrder(ctx, req); !errors.Is(err, store.ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
	}

	req := twoItemRequest("", "pay-other-location")
	req.LocationID = "loc-bandung-01"
	if _, err := env.svc.CommitOrder(ctx, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for another location, got %v", err)
	}

	if got := lotQuantity(t, env.repo, "lot-telur-01"); !got.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("rejected commits must not touch inventory, lot has %s", got)
	}
}

func TestCommitOrderRecordsLedgerFailureAndRetriesIt(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()
	env.repo.PutInventoryLot(domain.InventoryLot{
		ID: "lot-gula-01", LocationID: testLocation, ProductID: "prd-gula-curah", UnitOfMeasure: "kg",
		QtyAvailable: decimal.NewFromInt(1),
	})

	resp, err := env.svc.CommitOrder(ctx, twoItemRequest("", "pay-short"))
	if err != nil {
		t.Fatalf("commit should succeed when a ledger step fails: %v", err)
	}
	if len(resp.PendingLedgerRetries) != 1 {
		t.Fatalf("expected one pending retry, got %v", resp.PendingLedgerRetries)
	}
	if env.retries.Len() != 1 {
		t.Fatalf("expected retry job to be queued, queue has %d", env.retries.Len())
	}

	failureID := resp.PendingLedgerRetries[0]
	failure, err := env.repo.GetLedgerFailure(context.Background(), failureID)
	if err != nil {
		t.Fatalf("get failure: %v", err)
	}
	if failure.Kind != domain.LedgerKindInventory || failure.LotID != "lot-gula-01" || len(failure.LineItems) == 0 {
		t.Fatalf("unexpected failure record: %+v", failure)
	}
	if !failure.Quantity.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("expected failed quantity 3.5, got %s", failure.Quantity)
	}

	if err := env.svc.RetryLedgerFailure(context.Background(), failureID); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected retry to fail while stock is short, got %v", err)
	}

	env.repo.PutInventoryLot(domain.InventoryLot{
		ID: "lot-gula-01", LocationID: testLocation, ProductID: "prd-gula-curah", UnitOfMeasure: "kg",
		QtyAvailable: decimal.NewFromInt(10),
	})
	if err := env.svc.RetryLedgerFailure(context.Background(), failureID); err != nil {
		t.Fatalf("retry after restock: %v", err)
	}
	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("6.5")) {
		t.Fatalf("expected 6.5 kg left, got %s", got)
	}

	resolved, err := env.repo.GetLedgerFailure(context.Background(), failureID)
	if err != nil {
		t.Fatalf("get failure: %v", err)
	}
	if resolved.ResolvedAt == nil || resolved.Attempts != 2 {
		t.Fatalf("expected resolved failure after two attempts, got %+v", resolved)
	}
	if err := env.svc.RetryLedgerFailure(context.Background(), failureID); err != nil {
		t.Fatalf("retrying a resolved failure should be a no-op: %v", err)
	}
	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("6.5")) {
		t.Fatalf("resolved retry must not deduct again, lot has %s", got)
	}
}

func TestCommitOrderMergesLinesDrawingOnOneLot(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	req := domain.CommitOrderRequest{
		SchemaVersion: domain.CommitSchemaVersion,
		Payment:       domain.PaymentAuthorization{Reference: "pay-merge", Method: "cash", AmountCents: 30000},
		Items: []domain.CommitLineItem{
			{ProductID: "prd-gula-curah", TierLabel: "1 kg", TierQuantity: decimal.NewFromInt(1), UnitOfMeasure: "kg", UnitPriceCents: 15000, LineTotalCents: 15000, InventoryLotID: "lot-gula-01"},
			{ProductID: "prd-gula-curah", TierLabel: "1 kg", TierQuantity: decimal.NewFromInt(1), UnitOfMeasure: "kg", UnitPriceCents: 15000, LineTotalCents: 15000, InventoryLotID: "lot-gula-01"},
		},
	}
	if _, err := env.svc.CommitOrder(ctx, req); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("23.5")) {
		t.Fatalf("expected both lines deducted, lot has %s", got)
	}
}

func TestQueueAddIsIdempotentAndRemoveAlwaysAcks(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	first, err := env.svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-a"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := env.svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-b"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	again, err := env.svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-a"})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !first.CreatedNew || again.CreatedNew || again.QueueEntryID != first.QueueEntryID || again.Position != 1 {
		t.Fatalf("expected idempotent re-add, first=%+v again=%+v", first, again)
	}
	if second.Position != 2 {
		t.Fatalf("expected second customer at position 2, got %d", second.Position)
	}

	removed, err := env.svc.RemoveFromQueue(ctx, "", "cust-a")
	if err != nil || !removed.Removed || removed.QueueEntryID != first.QueueEntryID {
		t.Fatalf("remove: %+v err=%v", removed, err)
	}
	removed, err = env.svc.RemoveFromQueue(ctx, "", "cust-a")
	if err != nil || removed.Removed {
		t.Fatalf("expected ack without removal, got %+v err=%v", removed, err)
	}

	snapshot, err := env.svc.ListQueue(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snapshot.Entries) != 1 || snapshot.Entries[0].Position != 1 {
		t.Fatalf("expected remaining entry compacted to position 1, got %+v", snapshot.Entries)
	}
}

func TestWalkInCartIsKeyedByDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	first, err := env.svc.GetOrCreateCart(ctx, domain.CartRequest{})
	if err != nil {
		t.Fatalf("walk-in cart: %v", err)
	}
	second, err := env.svc.GetOrCreateCart(ctx, domain.CartRequest{})
	if err != nil {
		t.Fatalf("walk-in cart: %v", err)
	}
	if !first.Created || second.Created || first.Cart.ID != second.Cart.ID {
		t.Fatalf("expected one walk-in cart per device, got %+v and %+v", first, second)
	}
	if first.Cart.DeviceID != "dev-register-01" {
		t.Fatalf("expected device on cart, got %q", first.Cart.DeviceID)
	}
}

func TestGetOrCreateCartConcurrentDevicesShareCustomerCart(t *testing.T) {
	env := newTestEnv(t)

	ids := make([]string, 16)
	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			ctx := WithActor(context.Background(), domain.Actor{
				DeviceID:   "dev-register-0" + string(rune('1'+i%2)),
				LocationID: testLocation,
				Role:       domain.RoleCashier,
			})
			resp, err := env.svc.GetOrCreateCart(ctx, domain.CartRequest{CustomerID: "cust-shared"})
			if err != nil {
				return err
			}
			ids[i] = resp.Cart.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected a single cart, got %s and %s", ids[0], id)
		}
	}
}

func TestAddCartItemRejectsUnitMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	cart, err := env.svc.GetOrCreateCart(ctx, domain.CartRequest{CustomerID: "cust-uom"})
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	_, err = env.svc.AddCartItem(ctx, cart.Cart.ID, domain.CartItemRequest{
		ProductID: "prd-gula-curah", TierLabel: "curah", TierQuantity: decimal.NewFromInt(2),
		UnitOfMeasure: "each", UnitPriceCents: 15000, LineTotalCents: 30000, InventoryLotID: "lot-gula-01",
	})
	if !errors.Is(err, store.ErrUnitMismatch) {
		t.Fatalf("expected unit mismatch, got %v", err)
	}

	updated, err := env.svc.AddCartItem(ctx, cart.Cart.ID, domain.CartItemRequest{
		ProductID: "prd-gula-curah", TierLabel: "curah", TierQuantity: decimal.RequireFromString("1.25"),
		UnitOfMeasure: "kg", UnitPriceCents: 15000, LineTotalCents: 18750, InventoryLotID: "lot-gula-01",
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if len(updated.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(updated.Items))
	}
	if !env.publisher.has(realtime.TableCartItems, realtime.OpInsert) {
		t.Fatalf("expected cart item change to be published")
	}

	removed, err := env.svc.RemoveCartItem(ctx, cart.Cart.ID, updated.Items[0].ID)
	if err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if len(removed.Items) != 0 || !env.publisher.has(realtime.TableCartItems, realtime.OpDelete) {
		t.Fatalf("expected item removed and published, got %+v", removed.Items)
	}
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("feed unavailable")

	resp, err := env.svc.AddCustomerToQueue(cashierContext(), domain.QueueAddRequest{CustomerID: "cust-offline"})
	if err != nil {
		t.Fatalf("mutation must succeed without realtime: %v", err)
	}
	if resp.Position != 1 {
		t.Fatalf("expected position 1, got %d", resp.Position)
	}
}

func TestRequeuePendingFailuresSchedulesOpenFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, orderID := range []string{"ord-a", "ord-b"} {
		if _, _, err := env.repo.RecordLedgerFailure(ctx, domain.LedgerFailure{
			OrderID: orderID, Kind: domain.LedgerKindLoyalty, LocationID: testLocation,
			CustomerID: "cust-1", Points: 10, LastError: "timeout", Attempts: 1,
		}); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	count, err := env.svc.RequeuePendingFailures(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if count != 2 || env.retries.Len() != 2 {
		t.Fatalf("expected 2 jobs, count=%d queued=%d", count, env.retries.Len())
	}

	if _, err := env.svc.ListLedgerFailures(cashierContext(), false, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be refused ledger failures, got %v", err)
	}
	managerCtx := WithActor(ctx, domain.Actor{DeviceID: "dev-manager-01", LocationID: testLocation, Role: domain.RoleManager})
	list, err := env.svc.ListLedgerFailures(managerCtx, false, 10)
	if err != nil || len(list.Failures) != 2 {
		t.Fatalf("expected 2 open failures, got %+v err=%v", list, err)
	}
}

func TestExpireCartsAbandonsIdleUnqueuedCarts(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()

	if _, err := env.svc.GetOrCreateCart(ctx, domain.CartRequest{CustomerID: "cust-idle"}); err != nil {
		t.Fatalf("cart: %v", err)
	}
	if _, err := env.svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-waiting"}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	env.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	count, err := env.svc.ExpireCarts(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the unqueued cart to expire, got %d", count)
	}
}

type mapQueueCache struct {
	mu        sync.Mutex
	snapshots map[string]domain.QueueSnapshot
	hits      int
}

func (c *mapQueueCache) Get(_ context.Context, locationID string) (*domain.QueueSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.snapshots[locationID]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &snapshot, true, nil
}

func (c *mapQueueCache) Set(_ context.Context, snapshot *domain.QueueSnapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snapshot.LocationID] = *snapshot
	return nil
}

func (c *mapQueueCache) Invalidate(_ context.Context, locationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, locationID)
	return nil
}

func TestListQueueReadsThroughCacheAndInvalidatesOnWrite(t *testing.T) {
	queueCache := &mapQueueCache{snapshots: map[string]domain.QueueSnapshot{}}
	svc := New(memory.New(), Options{
		Logger:        zaptest.NewLogger(t),
		QueueCache:    queueCache,
		QueueCacheTTL: time.Minute,
	})
	ctx := cashierContext()

	if _, err := svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 2; i++ {
		snapshot, err := svc.ListQueue(ctx, "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(snapshot.Entries) != 1 {
			t.Fatalf("expected one entry, got %d", len(snapshot.Entries))
		}
	}
	if queueCache.hits != 1 {
		t.Fatalf("expected second list to hit the cache, hits=%d", queueCache.hits)
	}

	if _, err := svc.AddCustomerToQueue(ctx, domain.QueueAddRequest{CustomerID: "cust-2"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	snapshot, err := svc.ListQueue(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snapshot.Entries) != 2 {
		t.Fatalf("expected cache invalidated by add, got %d entries", len(snapshot.Entries))
	}
}

func TestCommitOrderRejectsLotsThatDoNotFitTheItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()
	env.repo.PutInventoryLot(domain.InventoryLot{
		ID: "lot-gula-bandung", LocationID: "loc-bandung-01", ProductID: "prd-gula-curah",
		UnitOfMeasure: "kg", QtyAvailable: decimal.NewFromInt(10),
	})

	wrongUnit := twoItemRequest("", "pay-wrong-unit")
	wrongUnit.Items[1].UnitOfMeasure = "each"
	wrongUnit.Items[1].TierQuantity = decimal.NewFromInt(5)
	if _, err := env.svc.CommitOrder(ctx, wrongUnit); !errors.Is(err, store.ErrUnitMismatch) {
		t.Fatalf("expected unit mismatch, got %v", err)
	}

	foreign := twoItemRequest("", "pay-foreign-lot")
	foreign.Items[1].InventoryLotID = "lot-gula-bandung"
	if _, err := env.svc.CommitOrder(ctx, foreign); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for a lot at another location, got %v", err)
	}

	unknown := twoItemRequest("", "pay-unknown-lot")
	unknown.Items[0].InventoryLotID = "lot-missing"
	if _, err := env.svc.CommitOrder(ctx, unknown); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for an unknown lot, got %v", err)
	}

	if got := lotQuantity(t, env.repo, "lot-gula-01"); !got.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("rejected commits must not deduct, lot has %s", got)
	}
	if got := lotQuantity(t, env.repo, "lot-gula-bandung"); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("foreign lot must be untouched, has %s", got)
	}
	for _, reference := range []string{"pay-wrong-unit", "pay-foreign-lot", "pay-unknown-lot"} {
		if _, err := env.repo.FindOrderByPaymentReference(context.Background(), reference); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s: expected no order to be written, got %v", reference, err)
		}
	}
}

func TestCommitOrderDoesNotBlockOnFullRetryQueue(t *testing.T) {
	env := newTestEnv(t)
	retries := retry.NewMemoryQueue(1)
	svc := New(env.repo, Options{Logger: zaptest.NewLogger(t), RetryQueue: retries})
	for _, lot := range []domain.InventoryLot{
		{ID: "lot-gula-01", ProductID: "prd-gula-curah", UnitOfMeasure: "kg"},
		{ID: "lot-telur-01", ProductID: "prd-telur", UnitOfMeasure: "each"},
	} {
		lot.LocationID = testLocation
		lot.QtyAvailable = decimal.Zero
		env.repo.PutInventoryLot(lot)
	}

	ctx, cancel := context.WithTimeout(cashierContext(), time.Second)
	defer cancel()

	type result struct {
		resp domain.CommitOrderResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := svc.CommitOrder(ctx, twoItemRequest("", "pay-backlog"))
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("commit: %v", res.err)
		}
		if len(res.resp.PendingLedgerRetries) != 2 {
			t.Fatalf("expected both failures recorded, got %v", res.resp.PendingLedgerRetries)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("commit blocked on a full retry queue")
	}
	if retries.Len() != 1 {
		t.Fatalf("expected the queue to hold one job, got %d", retries.Len())
	}

	open, err := env.repo.ListLedgerFailures(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("dropped job must leave its failure open, got %d open", len(open))
	}
}

func TestDuplicateCommitReusesOpenLedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := cashierContext()
	env.repo.PutInventoryLot(domain.InventoryLot{
		ID: "lot-gula-01", LocationID: testLocation, ProductID: "prd-gula-curah", UnitOfMeasure: "kg",
		QtyAvailable: decimal.NewFromInt(1),
	})

	first, err := env.svc.CommitOrder(ctx, twoItemRequest("", "pay-repeat-short"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	again, err := env.svc.CommitOrder(ctx, twoItemRequest("", "pay-repeat-short"))
	if err != nil {
		t.Fatalf("duplicate commit: %v", err)
	}
	if !again.Duplicate {
		t.Fatalf("expected duplicate commit")
	}
	if len(first.PendingLedgerRetries) != 1 || len(again.PendingLedgerRetries) != 1 || first.PendingLedgerRetries[0] != again.PendingLedgerRetries[0] {
		t.Fatalf("expected the same failure id, got %v then %v", first.PendingLedgerRetries, again.PendingLedgerRetries)
	}
	if env.retries.Len() != 1 {
		t.Fatalf("expected a single retry job, queue has %d", env.retries.Len())
	}

	open, err := env.repo.ListLedgerFailures(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(open) != 1 || open[0].Attempts != 2 {
		t.Fatalf("expected one open failure with two attempts, got %+v", open)
	}
}

func TestAwardPointsRequiresManagerAndStoredOrder(t *testing.T) {
	env := newTestEnv(t)
	manager := WithActor(context.Background(), domain.Actor{DeviceID: "dev-manager-01", LocationID: testLocation, Role: domain.RoleManager})

	mint := domain.LoyaltyAwardRequest{CustomerID: "cust-999", OrderID: "made-up-order", Points: 1000000}
	if _, err := env.svc.AwardPoints(cashierContext(), mint); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be refused, got %v", err)
	}
	if _, err := env.svc.AwardPoints(manager, mint); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown order to be refused, got %v", err)
	}

	resp, err := env.svc.CommitOrder(cashierContext(), twoItemRequest("", "pay-award"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := env.svc.AwardPoints(manager, domain.LoyaltyAwardRequest{CustomerID: "cust-999", OrderID: resp.OrderID, Points: 10}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected another customer's order to be refused, got %v", err)
	}

	elsewhere := WithActor(context.Background(), domain.Actor{DeviceID: "dev-manager-bdg", LocationID: "loc-bandung-01", Role: domain.RoleManager})
	if _, err := env.svc.AwardPoints(elsewhere, domain.LoyaltyAwardRequest{CustomerID: "cust-001", OrderID: resp.OrderID, Points: 10}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected a manager at another location to be refused, got %v", err)
	}

	award, err := env.svc.AwardPoints(manager, domain.LoyaltyAwardRequest{CustomerID: "cust-001", OrderID: resp.OrderID, Points: 10})
	if err != nil {
		t.Fatalf("manager award: %v", err)
	}
	if !award.Duplicate || award.BalancePoints != 550 {
		t.Fatalf("expected the committed award to stand, got %+v", award)
	}
}
