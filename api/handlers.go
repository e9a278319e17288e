/*
handlers.go - HTTP API handlers for the cashback program

PURPOSE:
  Exposes the cashback workflow via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the cashback and customers services.

ENDPOINTS:
  Auth:
    POST   /api/auth/register                      Register a customer
    POST   /api/auth/login                         Customer login (phone + password)
    POST   /api/admin/login                        Admin console login

  Customer (customer token):
    GET    /api/me                                 Profile
    GET    /api/me/balance                         Derived balance
    GET    /api/me/transactions                    Ledger history
    POST   /api/me/purchases                       Submit a purchase on premises
    POST   /api/me/redemptions                     Redeem cashback

  Admin (admin token):
    GET    /api/admin/purchases/pending            Purchases awaiting a decision
    POST   /api/admin/entries/{id}/approve         Approve a pending purchase
    POST   /api/admin/entries/{id}/reject          Reject a pending purchase
    GET    /api/admin/customers                    List customers
    GET    /api/admin/customers/{id}/balance       Customer balance
    GET    /api/admin/customers/{id}/transactions  Customer ledger history
    POST   /api/admin/customers/{id}/purchases     Record a counter purchase
    POST   /api/admin/customers/{id}/redemptions   Redeem on the customer's behalf
    GET    /api/admin/dashboard                    Program totals

ARCHITECTURE:
  Handler holds all dependencies. Authorization is enforced twice: the
  router admits a role per route group, and the cashback service checks
  the Actor on every call.

REQUEST FLOW:
  1. Decode and validate the body (decodeJSON) or query string
  2. Build the Actor from the token (requireRole)
  3. Call the workflow
  4. Serialize response
  5. Map errors through writeError

IDEMPOTENCY:
  POST /api/me/purchases and the redemption endpoints honor an optional
  Idempotency-Key header. A repeated key inside the duplicate window is
  answered with 409 and Retry-After.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/cashback"
	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/metrics"
)

const idempotencyHeader = "Idempotency-Key"

// maxListLimit caps the limit query parameter on history endpoints.
const maxListLimit = 1000

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the handlers read directly: the dashboard scan,
// health checks and demo scenarios.
type Backend interface {
	ledger.Store
	customers.Repository
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Cashback  *cashback.Service
	Customers *customers.Service
	Backend   Backend
	Admin     auth.AdminCredentials
	Tokens    auth.TokenConfig
	Logger    *logger.Logger
	Clock     func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Cashback  *cashback.Service
	Customers *customers.Service
	Backend   Backend
	Admin     auth.AdminCredentials
	Tokens    auth.TokenConfig
	Logger    *logger.Logger
	Clock     func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Dependencies) *Handler {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Handler{
		Cashback:  d.Cashback,
		Customers: d.Customers,
		Backend:   d.Backend,
		Admin:     d.Admin,
		Tokens:    d.Tokens,
		Logger:    d.Logger,
		Clock:     d.Clock,
	}
}

func (h *Handler) now() time.Time { return h.Clock() }

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Register creates a customer and returns a session token.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	reg := customers.Registration{
		Name:     strings.TrimSpace(req.Name),
		Phone:    req.Phone,
		Email:    req.Email,
		Password: req.Password,
	}
	if req.DateOfBirth != "" {
		dob, err := time.Parse(time.DateOnly, req.DateOfBirth)
		if err != nil {
			h.writeError(w, r, badRequest("invalid date_of_birth (use YYYY-MM-DD)", nil))
			return
		}
		reg.DateOfBirth = &dob
	}

	c, err := h.Customers.Register(r.Context(), reg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusCreated, string(c.ID), auth.RoleCustomer, &c)
}

// Login authenticates a customer by phone and password.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.Customers.Authenticate(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusOK, string(c.ID), auth.RoleCustomer, &c)
}

// AdminLogin checks the configured console credentials.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req AdminLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.Admin.Check(req.Username, req.Password); err != nil {
		h.Logger.Warn(h.Logger.WithField(r.Context(), "username", req.Username), "admin login rejected")
		h.writeError(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusOK, req.Username, auth.RoleAdmin, nil)
}

func (h *Handler) writeToken(w http.ResponseWriter, r *http.Request, status int, subject string, role auth.Role, c *customers.Customer) {
	now := h.now()
	token, err := auth.Issue(h.Tokens, now, subject, role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := TokenResponse{
		Token:     token,
		ExpiresAt: now.Add(h.Tokens.TTL).UTC(),
		Role:      string(role),
	}
	if c != nil {
		dto := toCustomerDTO(*c)
		resp.Customer = &dto
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// Me returns the caller's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	c, err := h.Customers.Get(r.Context(), ledger.CustomerID(actor.ID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// MyBalance returns the caller's derived balance.
func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.balance(w, r, actor, ledger.CustomerID(actor.ID))
}

// MyTransactions lists the caller's ledger entries.
func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.transactions(w, r, actor, ledger.CustomerID(actor.ID))
}

// SubmitPurchase records a pending purchase at the caller's location.
func (h *Handler) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	var req SubmitPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	actor, _ := actorFrom(r.Context())
	entry, err := h.Cashback.SubmitPurchase(r.Context(), actor, cashback.PurchaseRequest{
		Amount:         req.Amount,
		Location:       ledger.GeoPoint{Latitude: *req.Latitude, Longitude: *req.Longitude},
		ReceiptRef:     strings.TrimSpace(req.ReceiptRef),
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Redeem redeems the caller's cashback.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.redeem(w, r, actor, ledger.CustomerID(actor.ID))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListPending returns purchases awaiting a decision, oldest first.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	entries, err := ledger.Collect(h.Cashback.ListPending(r.Context(), actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// ApprovePurchase approves a pending purchase.
func (h *Handler) ApprovePurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	id := ledger.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Cashback.Approve(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// RejectPurchase rejects a pending purchase. The body is optional.
func (h *Handler) RejectPurchase(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	actor, _ := actorFrom(r.Context())
	id := ledger.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Cashback.Reject(r.Context(), actor, id, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// ListCustomers returns every registered customer.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Customers.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]CustomerDTO, len(list))
	for i, c := range list {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CustomerBalance returns a customer's balance for the admin console.
func (h *Handler) CustomerBalance(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.balance(w, r, actor, ledger.CustomerID(chi.URLParam(r, "id")))
}

// CustomerTransactions lists a customer's entries for the admin console.
func (h *Handler) CustomerTransactions(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.transactions(w, r, actor, ledger.CustomerID(chi.URLParam(r, "id")))
}

// RecordPurchase records an approved purchase made at the counter.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req AdminPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	actor, _ := actorFrom(r.Context())
	entry, err := h.Cashback.AdminRecordPurchase(r.Context(), actor, cashback.AdminPurchaseRequest{
		CustomerID: ledger.CustomerID(chi.URLParam(r, "id")),
		Amount:     req.Amount,
		ReceiptRef: strings.TrimSpace(req.ReceiptRef),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// RedeemFor redeems cashback on a customer's behalf at the counter.
func (h *Handler) RedeemFor(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.redeem(w, r, actor, ledger.CustomerID(chi.URLParam(r, "id")))
}

// Dashboard returns program totals as of now.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := metrics.BuildDashboard(r.Context(), h.Backend, h.Backend, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Backend.Ping(ctx); err != nil {
		h.Logger.Error(r.Context(), "health check failed", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SHARED
// =============================================================================

func (h *Handler) balance(w http.ResponseWriter, r *http.Request, actor cashback.Actor, id ledger.CustomerID) {
	b, err := h.Cashback.Balance(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(id, b))
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request, actor cashback.Actor, id ledger.CustomerID) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := ledger.Collect(h.Cashback.ListTransactions(r.Context(), actor, id, f))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request, actor cashback.Actor, id ledger.CustomerID) {
	var req RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	entry, err := h.Cashback.RedeemCashback(r.Context(), actor, cashback.RedemptionRequest{
		CustomerID:     id,
		Amount:         req.Amount,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// parseFilter reads kind, status, from, to, order and limit. kind and
// status accept comma-separated lists; from and to are RFC 3339.
func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{Order: ledger.OrderDesc}
	details := map[string]string{}

	for _, k := range splitList(q.Get("kind")) {
		f.Kinds = append(f.Kinds, ledger.Kind(k))
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.Status(s))
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			details[p.name] = "must be an RFC 3339 timestamp"
			continue
		}
		*p.dst = t
	}

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		f.Order = ledger.OrderAsc
	default:
		details["order"] = "must be asc or desc"
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil || n < 0:
			details["limit"] = "must be a non-negative integer"
		case n > maxListLimit:
			details["limit"] = "must be at most " + strconv.Itoa(maxListLimit)
		default:
			f.Limit = n
		}
	}

	if len(details) > 0 {
		return ledger.Filter{}, badRequest("invalid query parameters", details)
	}
	return f, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}
