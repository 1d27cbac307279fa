package subscriptions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/pkg/ctxlog"
	"github.com/bissquit/channel-access/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Pagination constants.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Handler handles HTTP requests for the subscriptions module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new subscriptions handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterInternalRoutes registers routes used by the front-facing bot.
func (h *Handler) RegisterInternalRoutes(r chi.Router) {
	r.Get("/subscriptions/{user_id}/active", h.GetActive)
	r.Post("/subscriptions/{user_id}/invite", h.CreateInvite)
}

// RegisterAdminRoutes registers routes that require admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/subscriptions", h.ListActive)
	r.Get("/subscriptions/stats", h.Stats)

	r.Get("/users/{user_id}/subscriptions", h.ListByUser)
	r.Post("/users/{user_id}/subscription/extend", h.Extend)
	r.Post("/users/{user_id}/subscription/revoke", h.Revoke)
	r.Post("/users/{user_id}/subscription/invite", h.CreateInvite)
}

// ExtendRequest represents the request body for an administrative grant.
type ExtendRequest struct {
	Days        int  `json:"days" validate:"required,min=1,max=3650"`
	IssueInvite bool `json:"issue_invite"`
}

// RevokeRequest represents the request body for revoking a subscription.
type RevokeRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Kick   bool   `json:"kick"`
}

// InviteResponse is the issued invite link.
type InviteResponse struct {
	InviteLink string    `json:"invite_link"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExtendResponse is the result of an administrative grant.
type ExtendResponse struct {
	Subscription *domain.Subscription `json:"subscription"`
	Invite       *InviteResponse      `json:"invite,omitempty"`
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrSubscriptionNotFound, Status: http.StatusNotFound, Message: "no active subscription"},
	{Error: ErrNoActiveSubscription, Status: http.StatusConflict, Message: "no active subscription"},
	{Error: ErrRateLimited, Status: http.StatusTooManyRequests},
	{Error: ErrInvalidPeriod, Status: http.StatusBadRequest},
	{Error: ErrInvalidUser, Status: http.StatusBadRequest},
	{Error: ErrChannelNotConfigured, Status: http.StatusInternalServerError, Message: "channel is not configured"},
}

// GetActive handles GET /subscriptions/{user_id}/active.
func (h *Handler) GetActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetActive(r.Context(), userID, 0)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, sub)
}

// CreateInvite handles invite link requests.
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	invite, err := h.service.CreateInviteLink(r.Context(), InviteInput{UserID: userID})
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())+1))
		}
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, InviteResponse{
		InviteLink: invite.Link,
		ExpiresAt:  invite.ExpiresAt,
	})
}

// ListActive handles GET /subscriptions.
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > MaxListLimit {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	subs, err := h.service.ListActive(r.Context(), 0, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, subs)
}

// Stats handles GET /subscriptions/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Stats(r.Context(), 0)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, counts)
}

// ListByUser handles GET /users/{user_id}/subscriptions.
func (h *Handler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	subs, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, subs)
}

// Extend handles POST /users/{user_id}/subscription/extend.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	sub, err := h.service.Extend(r.Context(), userID, 0, req.Days)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("subscription extended by admin",
		"user_id", userID,
		"days", req.Days,
	)

	resp := ExtendResponse{Subscription: sub}
	if req.IssueInvite {
		invite, err := h.service.CreateInviteLink(r.Context(), InviteInput{UserID: userID})
		if err != nil {
			// The grant is committed, report it and log the invite failure.
			ctxlog.FromContext(r.Context()).Warn("invite after admin grant failed", "user_id", userID, "error", err)
		} else {
			resp.Invite = &InviteResponse{InviteLink: invite.Link, ExpiresAt: invite.ExpiresAt}
		}
	}

	httputil.Success(w, http.StatusOK, resp)
}

// Revoke handles POST /users/{user_id}/subscription/revoke.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "revoked by " + httputil.GetSubject(r.Context())
	}

	sub, err := h.service.Revoke(r.Context(), userID, 0, reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if req.Kick {
		if err := h.service.Kick(r.Context(), 0, userID); err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
	}

	ctxlog.FromContext(r.Context()).Info("subscription revoked by admin",
		"user_id", userID,
		"revoked", sub != nil,
		"kick", req.Kick,
	)

	if sub == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.Success(w, http.StatusOK, sub)
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || userID <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return userID, true
}
