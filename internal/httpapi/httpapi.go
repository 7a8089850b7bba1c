package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/payment"
	"github.com/kwam1na/athena-sub007/internal/service"
	"github.com/kwam1na/athena-sub007/internal/store"
)

const maxBodyBytes = 1 << 20

var (
	posRoles         = []string{domain.RoleCashier, domain.RoleAdmin}
	fulfillmentRoles = []string{domain.RoleFulfillment, domain.RoleAdmin}
	readRoles        = []string{domain.RoleCashier, domain.RoleAdmin, domain.RoleFulfillment}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	validate      *validator.Validate
	allowedOrigin string
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger,
		validate:      validate,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
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

// Allow records an attempt for key and reports whether it fits in the
// sliding window.
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
	l.entries[key] = append(kept, now)
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

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /api/v1/sessions", a.requireAuth(a.handleCreateSession, posRoles...))
	mux.HandleFunc("GET /api/v1/sessions/{id}", a.requireAuth(a.handleGetSession, posRoles...))
	mux.HandleFunc("GET /api/v1/terminals/{terminalID}/session", a.requireAuth(a.handleTerminalSession, posRoles...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/items", a.requireAuth(a.handleAddItem, posRoles...))
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/items/{sku}", a.requireAuth(a.handleUpdateItem, posRoles...))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/items/{sku}", a.requireAuth(a.handleRemoveItem, posRoles...))
	mux.HandleFunc("PUT /api/v1/sessions/{id}/customer", a.requireAuth(a.handleSetCustomer, posRoles...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/promo", a.requireAuth(a.handleApplyPromo, posRoles...))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/promo", a.requireAuth(a.handleRemovePromo, posRoles...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/hold", a.requireAuth(a.handleHold, posRoles...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", a.requireAuth(a.handleResume, posRoles...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/void", a.requireAuth(a.handleVoidSession, posRoles...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/checkout", a.requireAuth(a.handleCheckout, posRoles...))
	mux.HandleFunc("GET /api/v1/checkout/idempotency/{key}", a.requireAuth(a.handleCheckoutLookup, posRoles...))

	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, posRoles...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/void", a.requireAuth(a.handleVoidTransaction, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/transactions/{id}/refund", a.requireAuth(a.handleRefund, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/inventory/availability", a.requireAuth(a.handleAvailability, readRoles...))
	mux.HandleFunc("POST /api/v1/inventory/receive", a.requireAuth(a.handleReceiveStock, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/orders/items", a.requireAuth(a.handlePlaceOrderItem, fulfillmentRoles...))
	mux.HandleFunc("GET /api/v1/orders/items/{id}", a.requireAuth(a.handleGetOrderItem, fulfillmentRoles...))
	mux.HandleFunc("POST /api/v1/orders/items/{id}/cancel", a.requireAuth(a.handleCancelOrderItem, fulfillmentRoles...))
	mux.HandleFunc("PUT /api/v1/orders/items/{id}/ready", a.requireAuth(a.handleOrderItemReady, fulfillmentRoles...))

	mux.HandleFunc("GET /api/v1/rewards/{customerID}", a.requireAuth(a.handleRewards, posRoles...))

	mux.HandleFunc("POST /api/v1/promos", a.requireAuth(a.handleCreatePromo, domain.RoleAdmin))
	mux.HandleFunc("PATCH /api/v1/promos/{id}", a.requireAuth(a.handleTogglePromo, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))

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
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.TerminalID) == "" {
		if actor, ok := service.ActorFromContext(r.Context()); ok {
			req.TerminalID = actor.TerminalID
		}
	}
	if err := a.validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTerminalSession(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetOpenSession(r.Context(), r.URL.Query().Get("store_id"), r.PathValue("terminalID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionItemRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.AddItem(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionItemUpdateRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.UpdateItem(r.Context(), r.PathValue("id"), r.PathValue("sku"), req.Qty)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.RemoveItem(r.Context(), r.PathValue("id"), r.PathValue("sku"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCustomerRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.SetCustomer(r.Context(), r.PathValue("id"), req.CustomerID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleApplyPromo(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionPromoRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.ApplyPromo(r.Context(), r.PathValue("id"), req.Code)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRemovePromo(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.RemovePromo(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionHoldRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.Hold(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleVoidSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionVoidRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.VoidSession(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	req.SessionID = r.PathValue("id")

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckoutLookup(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("idempotency key required"))
		return
	}

	resp, err := a.service.LookupCheckoutByIdempotency(r.Context(), key)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleVoidTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidTransactionRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	if !a.checkManagerPIN(w, r, "void", req.ManagerPIN) {
		return
	}
	req.TransactionID = r.PathValue("id")

	tx, err := a.service.VoidTransaction(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	if !a.checkManagerPIN(w, r, "refund", req.ManagerPIN) {
		return
	}
	req.TransactionID = r.PathValue("id")

	resp, err := a.service.Refund(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkManagerPIN counts the attempt against the caller before comparing the
// PIN, so wrong guesses are limited too.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, action string, pin string) bool {
	if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	skus := make([]string, 0, len(query["sku"]))
	for _, raw := range query["sku"] {
		for _, sku := range strings.Split(raw, ",") {
			if sku = strings.TrimSpace(sku); sku != "" {
				skus = append(skus, sku)
			}
		}
	}
	if len(skus) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one sku is required"))
		return
	}

	resp, err := a.service.GetAvailability(r.Context(), query.Get("store_id"), skus)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req domain.ReceiveStockRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	unit, err := a.service.ReceiveStock(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit": unit})
}

func (a *API) handlePlaceOrderItem(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderItemCreateRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	item, err := a.service.PlaceOrderItem(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleGetOrderItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.GetOrderItem(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleCancelOrderItem(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.CancelOrderItem(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrderItemReady(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderItemReadyRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.SetOrderItemReady(r.Context(), r.PathValue("id"), req.Ready)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRewards(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)

	resp, err := a.service.GetRewards(r.Context(), r.URL.Query().Get("store_id"), r.PathValue("customerID"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req domain.PromoCreateRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	promo, err := a.service.CreatePromo(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"promo": promo})
}

func (a *API) handleTogglePromo(w http.ResponseWriter, r *http.Request) {
	var req domain.PromoToggleRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	promo, err := a.service.SetPromoActive(r.Context(), r.PathValue("id"), req.Active)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promo": promo})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("store_id"), query.Get("date"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		defer func() {
			if recovered := recover(); recovered != nil {
				a.logger.Error("panic serving request",
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.Any("panic", recovered),
					zap.Stack("stack"),
				)
				writeError(rec, http.StatusInternalServerError, errors.New("internal server error"))
			}
			a.logger.Info("http request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(startedAt)),
			)
		}()
		next.ServeHTTP(rec, r)
	})
}

// decodeValid decodes and validates the body, writing a 400 on failure.
func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validateRequest(dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (a *API) validateRequest(req any) error {
	err := a.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			messages = append(messages, fe.Namespace()+" must satisfy "+fe.Tag()+"="+fe.Param())
			continue
		}
		messages = append(messages, fe.Namespace()+" must satisfy "+fe.Tag())
	}
	return errors.New("invalid request: " + strings.Join(messages, "; "))
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientInventory),
		errors.Is(err, store.ErrPromoExhausted),
		errors.Is(err, store.ErrTerminalBusy),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrCheckoutInProgress),
		errors.Is(err, store.ErrTransactionAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, store.ErrSessionNotActive),
		errors.Is(err, store.ErrPromoInvalid),
		errors.Is(err, store.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}

	var checkoutErr *service.CheckoutError
	if status < 500 && errors.As(err, &checkoutErr) {
		writeJSON(w, status, map[string]any{
			"error":      err.Error(),
			"step":       checkoutErr.Step,
			"sku":        checkoutErr.SKU,
			"promo_code": checkoutErr.PromoCode,
		})
		return
	}
	writeError(w, status, err)
}

// decodeJSON treats an empty body as an empty object.
func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
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

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
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
