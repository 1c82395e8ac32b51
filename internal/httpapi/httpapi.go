package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"comandero/backend/internal/cache"
	"comandero/backend/internal/closing"
	"comandero/backend/internal/domain"
	"comandero/backend/internal/service"
	"comandero/backend/internal/store"
)

// boardCacheKey is the single cached view: every active ticket, the default
// kitchen screen query. Filtered queries always hit the store.
const (
	boardCacheKey = "comanda:board"
	boardCacheTTL = 5 * time.Second
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	sched         *closing.Scheduler
	calc          *closing.Calculator
	board         cache.BoardCache
	log           *logrus.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, sched *closing.Scheduler, calc *closing.Calculator, board cache.BoardCache, logger *logrus.Logger, allowedOrigin string) *API {
	if board == nil {
		board = cache.NoopBoardCache{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		sched:         sched,
		calc:          calc,
		board:         board,
		log:           logger,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
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
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "cashier", "admin"))
	mux.HandleFunc("/api/v1/batches", a.requireAuth(a.handleBatches, "admin"))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/tables/", a.requireAuth(a.handleTableActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/comandas", a.requireAuth(a.handleComandas, "cashier", "admin"))
	mux.HandleFunc("/api/v1/comandas/", a.requireAuth(a.handleComandaActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/expenses", a.requireAuth(a.handleExpenses, "admin"))
	mux.HandleFunc("/api/v1/closings/", a.requireAuth(a.handleClosingLookup, "admin"))
	mux.HandleFunc("/api/v1/scheduler/", a.requireAuth(a.handleScheduler, "admin"))

	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, "admin"))

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

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces CSRF token validation for state-changing methods.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.Product
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.BarcodeBatch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	batch, err := a.service.ReceiveBatch(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	a.invalidateBoard(r)
	writeJSON(w, http.StatusCreated, domain.CreateSaleResponse{Sale: sale})
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	switch {
	case strings.HasSuffix(tail, "/void"):
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		saleID := strings.TrimSuffix(tail, "/void")
		var req domain.VoidSaleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.SaleID = saleID

		sale, err := a.service.VoidSale(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})

	case strings.HasSuffix(tail, "/fiscal/confirm"):
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		saleID := strings.TrimSuffix(tail, "/fiscal/confirm")
		if err := a.service.ConfirmFiscalIssuance(r.Context(), saleID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		sale, err := a.service.GetSale(r.Context(), tail)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
	}
}

func (a *API) handleTableActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tables/"), "/")
	tableNumber, err := strconv.Atoi(tail)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("table number required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		cart, err := a.service.GetTable(r.Context(), tableNumber)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cart": cart})
	case http.MethodPut, http.MethodPost:
		var req domain.TableSaveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.TableNumber = tableNumber

		comanda, err := a.service.SaveTable(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		a.invalidateBoard(r)
		writeJSON(w, http.StatusOK, map[string]any{"comanda": comanda})
	case http.MethodDelete:
		if err := a.service.CancelTable(r.Context(), tableNumber); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		a.invalidateBoard(r)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleComandas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	filter := domain.ComandaFilter{
		Status:     domain.ComandaStatus(strings.TrimSpace(query.Get("status"))),
		Type:       domain.ComandaType(strings.TrimSpace(query.Get("type"))),
		ActiveOnly: query.Get("active") == "true",
	}
	if rawDay := strings.TrimSpace(query.Get("day")); rawDay != "" {
		day, err := time.Parse("2006-01-02", rawDay)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("day must be YYYY-MM-DD"))
			return
		}
		filter.Day = day
	}

	// The unfiltered active board is the hot path; serve it from cache when
	// possible. Async sale effects may lag the cache by up to its TTL.
	cacheable := filter.Status == "" && filter.Type == "" && filter.Day.IsZero() && filter.ActiveOnly
	if cacheable {
		if board, ok, err := a.board.Get(r.Context(), boardCacheKey); err == nil && ok {
			writeJSON(w, http.StatusOK, map[string]any{"comandas": board})
			return
		}
	}

	comandas, err := a.service.ListComandas(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if cacheable {
		if err := a.board.Set(r.Context(), boardCacheKey, comandas, boardCacheTTL); err != nil {
			a.log.WithError(err).Warn("board cache set failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"comandas": comandas})
}

func (a *API) handleComandaActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/comandas/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("comanda id required"))
		return
	}

	if strings.HasPrefix(tail, "table/") {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		tableNumber, err := strconv.Atoi(strings.TrimPrefix(tail, "table/"))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("table number must be numeric"))
			return
		}
		comanda, err := a.service.GetTableComanda(r.Context(), tableNumber)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comanda": comanda})
		return
	}

	if strings.HasSuffix(tail, "/status") {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		id := strings.TrimSuffix(tail, "/status")
		var req domain.ComandaTransitionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		comanda, err := a.service.TransitionComanda(r.Context(), id, domain.ComandaStatus(req.Status))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		a.invalidateBoard(r)
		writeJSON(w, http.StatusOK, map[string]any{"comanda": comanda})
		return
	}

	switch r.Method {
	case http.MethodGet:
		comanda, err := a.service.GetComanda(r.Context(), tail)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comanda": comanda})
	case http.MethodDelete:
		if err := a.service.DeleteComanda(r.Context(), tail); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		a.invalidateBoard(r)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) invalidateBoard(r *http.Request) {
	if err := a.board.Invalidate(r.Context(), boardCacheKey); err != nil {
		a.log.WithError(err).Warn("board cache invalidation failed")
	}
}

func (a *API) handleExpenses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.PersonalExpense
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	expense, err := a.service.CreateExpense(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"expense": expense})
}

func (a *API) handleClosingLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/closings/"), "/")
	day, err := time.Parse("2006-01-02", tail)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("closing date must be YYYY-MM-DD"))
		return
	}

	result, err := a.calc.GetForDay(r.Context(), day)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closing": result})
}

// handleScheduler is the operator surface of the end-of-day scheduler:
// inspect it, drive it manually, or restart its timer loop.
func (a *API) handleScheduler(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/scheduler/"), "/")

	switch action {
	case "status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, a.sched.Status())
	case "stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, a.sched.Stats())
	case "log":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": a.sched.RunLog()})
	case "log/clear":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.sched.ClearRunLog()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "start":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.sched.Start()
		writeJSON(w, http.StatusOK, a.sched.Status())
	case "stop":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.sched.Stop()
		writeJSON(w, http.StatusOK, a.sched.Status())
	case "restart":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.sched.Restart()
		writeJSON(w, http.StatusOK, a.sched.Status())
	case "run-now":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": a.sched.RunNow(r.Context())})
	case "run-for-date":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req struct {
			Date string `json:"date"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		day, err := time.Parse("2006-01-02", strings.TrimSpace(req.Date))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": a.sched.RunForDate(r.Context(), day)})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown scheduler action"))
	}
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers()})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cashier, err := a.auth.CreateCashier(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(startedAt).String(),
		}).Debug("request handled")
	})
}

// statusFor maps store and domain sentinels onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrInvalidBarcode),
		errors.Is(err, domain.ErrInvalidDocumentType),
		errors.Is(err, domain.ErrInvalidDocumentNumber):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrAlreadyClosed):
		return http.StatusConflict
	case errors.Is(err, service.ErrAdminRequired):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses return a generic message so internals (SQL errors,
	// file paths) never leak to the client.
	msg := err.Error()
	if status >= 500 {
		logrus.WithField("status", status).WithError(err).Error("internal error")
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
