package payments

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/bissquit/channel-access/internal/payments/cryptopay"
	"github.com/bissquit/channel-access/internal/pkg/ctxlog"
	"github.com/bissquit/channel-access/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	maxWebhookBody   = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler handles HTTP requests for the payments module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterInternalRoutes registers routes used by the front-facing bot.
func (h *Handler) RegisterInternalRoutes(r chi.Router) {
	r.Post("/payments/bank-redirect", h.CreateBankRedirect)
	r.Post("/payments/crypto-invoice", h.CreateCryptoInvoice)
	r.Get("/payments/{payment_id}", h.GetPayment)
}

// RegisterCallbackRoutes registers provider callbacks. The bank-redirect
// result is restricted to allowedIPs when the list is not empty.
func (h *Handler) RegisterCallbackRoutes(r chi.Router, allowedIPs []string) {
	r.With(httputil.IPAllowlistMiddleware(allowedIPs)).Post("/payments/bank-redirect/result", h.BankRedirectResult)
	r.Post("/payments/crypto-invoice/webhook", h.CryptoWebhook)
}

// RegisterAdminRoutes registers routes that require admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/payments/reconcile", h.Reconcile)
	r.Get("/payments/{payment_id}", h.GetPayment)
	r.Get("/users/{user_id}/payments", h.ListByUser)
}

// CreatePaymentRequest is the body of internal create calls.
type CreatePaymentRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// BankRedirectResponse is a created bank-redirect payment.
type BankRedirectResponse struct {
	PaymentID  int64  `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
}

// CryptoInvoiceResponse is a created crypto-invoice payment.
type CryptoInvoiceResponse struct {
	PaymentID int64  `json:"payment_id"`
	InvoiceID int64  `json:"invoice_id"`
	PayURL    string `json:"pay_url"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidSignature, Status: http.StatusUnauthorized, Message: "invalid signature"},
	{Error: ErrInvalidPayload, Status: http.StatusBadRequest},
	{Error: ErrInvalidUser, Status: http.StatusBadRequest},
	{Error: ErrPaymentNotFound, Status: http.StatusNotFound},
	{Error: ErrAmountMismatch, Status: http.StatusConflict},
	{Error: ErrCurrencyMismatch, Status: http.StatusConflict},
	{Error: ErrUserMismatch, Status: http.StatusConflict},
	{Error: ErrPaymentNotPending, Status: http.StatusConflict},
	{Error: ErrInvoiceNotPaid, Status: http.StatusConflict},
	{Error: ErrProviderNotConfigured, Status: http.StatusInternalServerError, Message: "payment provider is not configured"},
	{Error: ErrProviderUnavailable, Status: http.StatusBadGateway, Message: "payment provider unavailable"},
}

func (h *Handler) decodeCreate(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return 0, false
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return 0, false
	}
	return req.UserID, true
}

// CreateBankRedirect handles POST /payments/bank-redirect.
func (h *Handler) CreateBankRedirect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}

	created, err := h.service.CreateBankRedirect(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, BankRedirectResponse{
		PaymentID:  created.Payment.ID,
		PaymentURL: created.URL,
		Amount:     created.Payment.AmountString(),
		Currency:   created.Payment.Currency,
	})
}

// CreateCryptoInvoice handles POST /payments/crypto-invoice.
func (h *Handler) CreateCryptoInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}

	created, err := h.service.CreateCryptoInvoice(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, CryptoInvoiceResponse{
		PaymentID: created.Payment.ID,
		InvoiceID: created.InvoiceID,
		PayURL:    created.PayURL,
		Amount:    created.Payment.AmountString(),
		Currency:  created.Payment.Currency,
	})
}

// GetPayment handles GET /payments/{payment_id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "payment_id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	p, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, p)
}

// ListByUser handles GET /users/{user_id}/payments.
func (h *Handler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || userID <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxListLimit {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	list, err := h.service.ListByUser(r.Context(), userID, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// Reconcile handles POST /payments/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcilePending(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("reconciliation triggered by admin",
		"checked", result.Checked,
		"settled", result.Settled,
		"republished", result.Republished,
	)

	httputil.Success(w, http.StatusOK, result)
}

// BankRedirectResult handles the provider ResultURL callback.
// The provider requires the literal body OK<InvId> on success.
func (h *Handler) BankRedirectResult(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid form")
		return
	}

	invID, outcome, err := h.service.ConfirmBankRedirect(r.Context(), r.Form)
	if err != nil {
		logRejection(r, "bank redirect result rejected", invID, err)
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("bank redirect result accepted", "inv_id", invID, "outcome", outcome)
	httputil.Text(w, http.StatusOK, "OK"+strconv.FormatInt(invID, 10))
}

// CryptoWebhook handles crypto-invoice webhook updates.
func (h *Handler) CryptoWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.service.ConfirmCryptoWebhook(r.Context(), body, r.Header.Get(cryptopay.SignatureHeader))
	if err != nil {
		logRejection(r, "crypto webhook rejected", 0, err)
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("crypto webhook accepted", "outcome", outcome)
	httputil.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func logRejection(r *http.Request, msg string, invID int64, err error) {
	if !IsRejection(err) {
		return // logged by HandleError
	}
	ctxlog.FromContext(r.Context()).Warn(msg, "inv_id", invID, "error", err)
}
