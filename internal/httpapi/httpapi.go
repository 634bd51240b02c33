package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/realtime"
	"kasirsync/backend/internal/service"
	"kasirsync/backend/internal/store"
)

const sseHeartbeatInterval = 25 * time.Second

// EventSource opens a location-scoped realtime subscription.
type EventSource interface {
	Subscribe(ctx context.Context, locationID string) (*realtime.Subscription, error)
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	events        EventSource
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	heartbeat     time.Duration
}

func New(svc *service.Service, auth *AuthManager, events EventSource, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		events:        events,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		heartbeat:     sseHeartbeatInterval,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/device", a.handleDeviceLogin)

	mux.HandleFunc("/api/v1/carts", a.requireAuth(a.handleCarts, domain.RoleCashier, domain.RoleManager))
	mux.HandleFunc("/api/v1/carts/", a.requireAuth(a.handleCartActions, domain.RoleCashier, domain.RoleManager))
	mux.HandleFunc("/api/v1/queue", a.requireAuth(a.handleQueue, domain.RoleCashier, domain.RoleManager))
	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, domain.RoleCashier, domain.RoleManager))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderLookup, domain.RoleCashier, domain.RoleManager))

	mux.HandleFunc("/api/v1/inventory/deductions", a.requireAuth(a.handleInventoryDeductions, domain.RoleCashier, domain.RoleManager))
	mux.HandleFunc("/api/v1/inventory/lots/", a.requireAuth(a.handleInventoryLot, domain.RoleCashier, domain.RoleManager))
	mux.HandleFunc("/api/v1/loyalty/awards", a.requireAuth(a.handleLoyaltyAwards, domain.RoleManager))
	mux.HandleFunc("/api/v1/loyalty/customers/", a.requireAuth(a.handleLoyaltyCustomer, domain.RoleCashier, domain.RoleManager))

	mux.HandleFunc("/api/v1/ledger-failures", a.requireAuth(a.handleLedgerFailures, domain.RoleManager))
	mux.HandleFunc("/api/v1/ledger-failures/", a.requireAuth(a.handleLedgerFailureActions, domain.RoleManager))

	mux.HandleFunc("/api/v1/events", a.requireAuth(a.handleEvents, domain.RoleCashier, domain.RoleManager))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleDeviceLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.DeviceLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) || errors.Is(err, errDeviceInactive) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.writeServiceError(w, err)
		return
	}

	a.logger.Info("device login", zap.String("device_id", resp.DeviceID), zap.String("location_id", resp.LocationID))
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCarts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.GetOrCreateCart(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// handleCartActions serves /api/v1/carts/{id} and its /items subresource.
func (a *API) handleCartActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/carts/"
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	parts := strings.Split(tail, "/")
	if tail == "" || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("cart id required"))
		return
	}
	cartID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		cart, err := a.service.GetCart(r.Context(), cartID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cart": cart})

	case len(parts) == 2 && parts[1] == "items":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.CartItemRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cart, err := a.service.AddCartItem(r.Context(), cartID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cart": cart})

	case len(parts) == 3 && parts[1] == "items":
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		cart, err := a.service.RemoveCartItem(r.Context(), cartID, parts[2])
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cart": cart})

	default:
		writeError(w, http.StatusNotFound, errors.New("unknown cart action"))
	}
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snapshot, err := a.service.ListQueue(r.Context(), r.URL.Query().Get("location_id"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case http.MethodPost:
		var req domain.QueueAddRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.AddCustomerToQueue(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if resp.CreatedNew {
			status = http.StatusCreated
		}
		writeJSON(w, status, resp)
	case http.MethodDelete:
		query := r.URL.Query()
		resp, err := a.service.RemoveFromQueue(r.Context(), query.Get("location_id"), query.Get("customer_id"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CommitOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CommitOrder(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		reason := err.Error()
		if status >= 500 {
			a.logger.Error("order commit failed", zap.Int("status", status), zap.Error(err))
			reason = "internal server error"
		}
		writeJSON(w, status, domain.CommitOrderResponse{Status: domain.OrderStatusFailed, Reason: reason})
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleOrderLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	orderID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/orders/"), "/")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, errors.New("order id required"))
		return
	}

	order, err := a.service.GetOrder(r.Context(), orderID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleInventoryDeductions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.InventoryDeductionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.DeductInventory(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleInventoryLot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	lotID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/inventory/lots/"), "/")
	if lotID == "" {
		writeError(w, http.StatusBadRequest, errors.New("lot id required"))
		return
	}

	detail, err := a.service.GetInventoryLot(r.Context(), lotID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleLoyaltyAwards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.LoyaltyAwardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.AwardPoints(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLoyaltyCustomer serves GET /api/v1/loyalty/customers/{id} and
// POST /api/v1/loyalty/customers/{id}/recompute.
func (a *API) handleLoyaltyCustomer(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/loyalty/customers/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}

	if strings.HasSuffix(tail, "/recompute") {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		customerID := strings.Trim(strings.TrimSuffix(tail, "/recompute"), "/")
		balance, err := a.service.RecomputeLoyaltyBalance(r.Context(), customerID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
		return
	}

	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	account, err := a.service.GetLoyaltyAccount(r.Context(), tail)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) handleLedgerFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	includeResolved := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("include_resolved")), "true")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	resp, err := a.service.ListLedgerFailures(r.Context(), includeResolved, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLedgerFailureActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/ledger-failures/"), "/")
	if !strings.HasSuffix(tail, "/retry") {
		writeError(w, http.StatusNotFound, errors.New("unknown ledger failure action"))
		return
	}
	failureID := strings.Trim(strings.TrimSuffix(tail, "/retry"), "/")
	if failureID == "" {
		writeError(w, http.StatusBadRequest, errors.New("failure id required"))
		return
	}

	if err := a.service.RetryLedgerFailure(r.Context(), failureID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "failure_id": failureID})
}

// handleEvents streams the caller's location events as server-sent events.
// Link state changes are sent as connectionState events.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing actor"))
		return
	}

	sub, err := a.events.Subscribe(r.Context(), actor.LocationID)
	if err != nil {
		a.logger.Error("subscribe to location events", zap.String("location_id", actor.LocationID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		a.logger.Warn("event stream cannot flush", zap.Error(err))
		return
	}

	a.logger.Debug("event stream opened",
		zap.String("device_id", actor.DeviceID),
		zap.String("location_id", actor.LocationID),
	)

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	events := sub.Events()
	states := sub.States()
	for {
		var writeErr error
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeErr = writeSSE(w, event.Type, event)
		case state, ok := <-states:
			if !ok {
				return
			}
			writeErr = writeSSE(w, "connectionState", map[string]any{
				"state":       state,
				"location_id": actor.LocationID,
			})
		case <-heartbeat.C:
			_, writeErr = fmt.Fprint(w, ": ping\n\n")
		}
		if writeErr != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrCartNotActive):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnitMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err to a status and logs server-side failures
// through the API logger before answering.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
