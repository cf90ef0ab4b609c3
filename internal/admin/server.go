package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/ledgersync"
	"github.com/emperorhan/invoice-reconciler/internal/reconcile"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB
	defaultListLimit    = 100
	maxListLimit        = 1000
	pollingLogLimit     = 50
)

// InvoiceService is the subset of the reconciliation engine the admin API
// drives. Satisfied by *reconcile.Engine.
type InvoiceService interface {
	Create(ctx context.Context, inv *model.Invoice) error
	Send(ctx context.Context, invoiceID string) (reconcile.Result, error)
	Cancel(ctx context.Context, invoiceID string) (reconcile.Result, error)
}

// SyncService re-triggers ledger sync. Satisfied by *ledgersync.Worker.
type SyncService interface {
	Resync(ctx context.Context, invoiceID string) (ledgersync.SyncResult, error)
}

// RegistryService reloads and lists chain configuration.
type RegistryService interface {
	Reload(ctx context.Context) error
	ListEnabled() []model.Chain
}

// BreakerStates reports the explorer circuit state of a chain. Satisfied
// by *poller.Poller.
type BreakerStates interface {
	BreakerState(chainID string) circuitbreaker.State
}

// Reader is the committed-state view the API serves from.
type Reader interface {
	store.InvoiceReader
	store.SyncReader
	Ping(ctx context.Context) error
}

// Server provides an HTTP-based admin API for operators.
type Server struct {
	reader   Reader
	invoices InvoiceService
	sync     SyncService
	registry RegistryService
	breakers BreakerStates
	token    string
	logger   *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithToken requires "Authorization: Bearer <token>" on /admin routes.
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithRegistry enables the registry endpoints.
func WithRegistry(r RegistryService) ServerOption {
	return func(s *Server) { s.registry = r }
}

// WithBreakerStates adds the explorer circuit state to the chain listing.
func WithBreakerStates(b BreakerStates) ServerOption {
	return func(s *Server) { s.breakers = b }
}

// WithSyncService enables manual ledger re-sync.
func WithSyncService(svc SyncService) ServerOption {
	return func(s *Server) { s.sync = svc }
}

func NewServer(reader Reader, invoices InvoiceService, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reader:   reader,
		invoices: invoices,
		logger:   logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API. Probes stay
// unauthenticated.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /admin/v1/invoices", s.handleListInvoices)
	api.HandleFunc("POST /admin/v1/invoices", s.handleCreateInvoice)
	api.HandleFunc("GET /admin/v1/invoices/{id}", s.handleGetInvoice)
	api.HandleFunc("POST /admin/v1/invoices/{id}/send", s.handleSendInvoice)
	api.HandleFunc("POST /admin/v1/invoices/{id}/cancel", s.handleCancelInvoice)
	api.HandleFunc("GET /admin/v1/invoices/{id}/sync", s.handleGetSync)
	api.HandleFunc("POST /admin/v1/invoices/{id}/resync", s.handleResync)
	api.HandleFunc("GET /admin/v1/sync", s.handleListSync)
	api.HandleFunc("GET /admin/v1/chains", s.handleListChains)
	api.HandleFunc("POST /admin/v1/registry/reload", s.handleRegistryReload)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("/admin/", s.requireToken(api))
	return mux
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// writeServiceError maps domain sentinels onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "invoice not found")
	case errors.Is(err, reconcile.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvoiceExists):
		writeError(w, http.StatusConflict, "invoice already exists")
	case errors.Is(err, reconcile.ErrInvalidInvoice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledgersync.ErrNotPaid):
		writeError(w, http.StatusConflict, "invoice is not paid")
	default:
		s.logger.Error(op+" failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

// --- Invoice endpoints ---

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
		return
	}

	filter := store.InvoiceFilter{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, model.InvoiceStatus(strings.TrimSpace(st)))
		}
	} else {
		filter.Statuses = model.PollableStatuses
	}

	invoices, err := s.reader.ListInvoices(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list invoices", err)
		return
	}
	if invoices == nil {
		invoices = []model.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

type createInvoiceRequest struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	Number              string          `json:"number"`
	AmountUSD           decimal.Decimal `json:"amount_usd"`
	ExpectedAmount      decimal.Decimal `json:"expected_amount"`
	ChainID             string          `json:"chain_id"`
	TokenSymbol         string          `json:"token_symbol"`
	PaymentAddress      string          `json:"payment_address"`
	RateLockedAt        time.Time       `json:"rate_locked_at"`
	RateLockedUntil     time.Time       `json:"rate_locked_until"`
	ExpirationHours     int             `json:"expiration_hours"`
	AllowClientChoice   bool            `json:"allow_client_choice"`
	ClientRefundAddress *string         `json:"client_refund_address,omitempty"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.TenantID == "" {
		http.Error(w, `{"error":"id and tenant_id are required"}`, http.StatusBadRequest)
		return
	}

	inv := &model.Invoice{
		ID:                  req.ID,
		TenantID:            req.TenantID,
		Number:              req.Number,
		AmountUSD:           req.AmountUSD,
		ExpectedAmount:      req.ExpectedAmount,
		ChainID:             req.ChainID,
		TokenSymbol:         req.TokenSymbol,
		PaymentAddress:      req.PaymentAddress,
		RateLockedAt:        req.RateLockedAt,
		RateLockedUntil:     req.RateLockedUntil,
		ExpirationHours:     req.ExpirationHours,
		AllowClientChoice:   req.AllowClientChoice,
		ClientRefundAddress: req.ClientRefundAddress,
	}
	if err := s.invoices.Create(r.Context(), inv); err != nil {
		s.writeServiceError(w, "create invoice", err)
		return
	}

	s.logger.Info("invoice created via admin API", "invoice_id", inv.ID, "chain", inv.ChainID, "token", inv.TokenSymbol)
	writeJSON(w, http.StatusCreated, inv)
}

type invoiceDetailResponse struct {
	Invoice    *model.Invoice             `json:"invoice"`
	Payments   []model.PaymentTransaction `json:"payments"`
	PollingLog []model.PollingLogEntry    `json:"polling_log"`
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inv, err := s.reader.GetInvoice(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get invoice", err)
		return
	}
	payments, err := s.reader.ListPayments(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "list payments", err)
		return
	}
	log, err := s.reader.ListPollingLog(r.Context(), id, pollingLogLimit)
	if err != nil {
		s.writeServiceError(w, "list polling log", err)
		return
	}

	resp := invoiceDetailResponse{Invoice: inv, Payments: payments, PollingLog: log}
	if resp.Payments == nil {
		resp.Payments = []model.PaymentTransaction{}
	}
	if resp.PollingLog == nil {
		resp.PollingLog = []model.PollingLogEntry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type transitionResponse struct {
	InvoiceID string `json:"invoice_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Outcome   string `json:"outcome"`
}

func (s *Server) handleSendInvoice(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "send invoice", s.invoices.Send)
}

func (s *Server) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancel invoice", s.invoices.Cancel)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (reconcile.Result, error)) {
	id := r.PathValue("id")
	res, err := fn(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, op, err)
		return
	}
	s.logger.Info(op+" via admin API", "invoice_id", id, "from", res.From, "to", res.To)
	writeJSON(w, http.StatusOK, transitionResponse{
		InvoiceID: id,
		From:      string(res.From),
		To:        string(res.To),
		Outcome:   string(res.Outcome),
	})
}

// --- Ledger sync endpoints ---

type syncDetailResponse struct {
	Record *model.CfoSyncRecord    `json:"record"`
	Log    []model.CfoSyncLogEntry `json:"log"`
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.reader.GetSyncRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sync record not found")
			return
		}
		s.writeServiceError(w, "get sync record", err)
		return
	}
	log, err := s.reader.ListSyncLog(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "list sync log", err)
		return
	}
	if log == nil {
		log = []model.CfoSyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, syncDetailResponse{Record: rec, Log: log})
}

func (s *Server) handleListSync(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
		return
	}
	status := model.SyncStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.SyncStatusPending, model.SyncStatusSynced, model.SyncStatusFailed:
	default:
		http.Error(w, `{"error":"status must be pending, synced or failed"}`, http.StatusBadRequest)
		return
	}

	recs, err := s.reader.ListSyncRecords(r.Context(), store.SyncFilter{Status: status, Limit: limit})
	if err != nil {
		s.writeServiceError(w, "list sync records", err)
		return
	}
	if recs == nil {
		recs = []model.CfoSyncRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type syncResultResponse struct {
	InvoiceID           string `json:"invoice_id"`
	Outcome             string `json:"outcome"`
	LedgerTransactionID string `json:"ledger_transaction_id,omitempty"`
	RetryCount          int    `json:"retry_count"`
	LastError           string `json:"last_error,omitempty"`
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		http.Error(w, `{"error":"ledger sync not available"}`, http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	res, err := s.sync.Resync(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "resync", err)
		return
	}

	s.logger.Info("ledger resync requested via admin API", "invoice_id", id, "outcome", res.Outcome)
	writeJSON(w, http.StatusOK, syncResultResponse{
		InvoiceID:           id,
		Outcome:             string(res.Outcome),
		LedgerTransactionID: res.LedgerTransactionID,
		RetryCount:          res.RetryCount,
		LastError:           res.LastError,
	})
}

// --- Registry endpoints ---

type chainResponse struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Family                string `json:"family"`
	NativeSymbol          string `json:"native_symbol"`
	RequiredConfirmations int64  `json:"required_confirmations"`
	ExplorerCircuit       string `json:"explorer_circuit,omitempty"`
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, `{"error":"registry not available"}`, http.StatusServiceUnavailable)
		return
	}
	chains := s.registry.ListEnabled()
	resp := make([]chainResponse, len(chains))
	for i, c := range chains {
		resp[i] = chainResponse{
			ID:                    c.ID,
			Name:                  c.Name,
			Family:                string(c.Family),
			NativeSymbol:          c.NativeSymbol,
			RequiredConfirmations: c.RequiredConfirmations,
		}
		if s.breakers != nil {
			resp[i].ExplorerCircuit = s.breakers.BreakerState(c.ID).String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistryReload(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, `{"error":"registry not available"}`, http.StatusServiceUnavailable)
		return
	}
	if err := s.registry.Reload(r.Context()); err != nil {
		s.logger.Warn("registry reload rejected", "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chains": len(s.registry.ListEnabled())})
}

// --- Probes ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.reader.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
