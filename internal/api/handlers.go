/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vaultline/transfer-service/internal/app"
	"github.com/vaultline/transfer-service/internal/domain"
	"github.com/vaultline/transfer-service/internal/store"
	"github.com/vaultline/transfer-service/pkg/custodyclient"
)

// RateLimiter throttles code issuance per account. Nil disables throttling.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service         *app.Service
	limiter         RateLimiter
	codeRateLimit   int
	codeRateWindow  time.Duration
	historyPageSize int
}

// HandlerOptions carries the request-shaping knobs for the API layer.
type HandlerOptions struct {
	Limiter         RateLimiter
	CodeRateLimit   int
	CodeRateWindow  time.Duration
	HistoryPageSize int
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service, opts HandlerOptions) *TransferHandlers {
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	window := opts.CodeRateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &TransferHandlers{
		service:         service,
		limiter:         opts.Limiter,
		codeRateLimit:   opts.CodeRateLimit,
		codeRateWindow:  window,
		historyPageSize: pageSize,
	}
}

type requestCodeRequest struct {
	UserID        string  `json:"user_id"`
	Recipient     string  `json:"recipient"`
	RecipientKind string  `json:"recipient_kind"`
	Amount        string  `json:"amount"`
	Token         string  `json:"token"`
	Blockchain    string  `json:"blockchain"`
	Memo          *string `json:"memo,omitempty"`
}

type requestCodeResponse struct {
	TransferID string `json:"transfer_id"`
	ExpiresIn  string `json:"expires_in"`
	Message    string `json:"message"`
}

type executeTransferRequest struct {
	UserID     string `json:"user_id"`
	TransferID string `json:"transfer_id"`
	Code       string `json:"code"`
}

type transferFailureResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// RequestCodeHandler handles requests for a one-time transfer authorization code.
func (h *TransferHandlers) RequestCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}

	if !h.checkCodeRateLimit(w, r, userID) {
		return
	}

	issuance, err := h.service.RequestCode(r.Context(), app.RequestCodeParams{
		Sender:        userID.String(),
		Recipient:     req.Recipient,
		RecipientKind: req.RecipientKind,
		Amount:        req.Amount,
		Token:         req.Token,
		Blockchain:    req.Blockchain,
		Memo:          req.Memo,
	})
	if err != nil {
		h.writeRequestCodeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, requestCodeResponse{
		TransferID: issuance.TransferID.String(),
		ExpiresIn:  issuance.ExpiresIn(),
		Message:    "Security code sent. It expires in " + issuance.ExpiresIn() + ".",
	})
}

func (h *TransferHandlers) checkCodeRateLimit(w http.ResponseWriter, r *http.Request, userID uuid.UUID) bool {
	if h.limiter == nil || h.codeRateLimit <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "request_code", userID.String(), h.codeRateLimit, h.codeRateWindow)
	if err != nil {
		// Redis being down must not take code issuance with it.
		log.Printf("level=warn component=api msg=\"rate limit check failed, allowing request\" user_id=%s err=%v", userID, err)
		return true
	}
	if count > h.codeRateLimit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many code requests. Please wait and try again.")
		return false
	}
	return true
}

func (h *TransferHandlers) writeRequestCodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidTokenInput),
		errors.Is(err, app.ErrInvalidRecipient),
		errors.Is(err, app.ErrInvalidRecipientKind),
		errors.Is(err, app.ErrMemoTooLong):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidAddress):
		h.writeError(w, http.StatusBadRequest, "Recipient address is not a valid on-chain address")
	case errors.Is(err, app.ErrSenderNotFound):
		h.writeError(w, http.StatusBadRequest, "Sender account not found")
	case errors.Is(err, app.ErrRecipientNotFound):
		h.writeError(w, http.StatusBadRequest, "Recipient account not found")
	case errors.Is(err, store.ErrDuplicateCode):
		h.writeError(w, http.StatusConflict, "A security code for this transfer already exists")
	case errors.Is(err, app.ErrNotificationFailed):
		h.writeError(w, http.StatusServiceUnavailable, "Could not deliver the security code. Please try again.")
	default:
		log.Printf("level=error component=api msg=\"request code failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// ExecuteTransferHandler consumes an authorization code and executes the
// transfer it is bound to.
func (h *TransferHandlers) ExecuteTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req executeTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}
	transferID, err := uuid.Parse(strings.TrimSpace(req.TransferID))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID format")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		h.writeError(w, http.StatusBadRequest, "Security code is required")
		return
	}

	transfer, err := h.service.Execute(r.Context(), transferID, req.Code, userID)
	if err != nil {
		h.writeExecuteError(w, transfer, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, transfer)
}

func (h *TransferHandlers) writeExecuteError(w http.ResponseWriter, transfer *domain.Transfer, err error) {
	switch {
	case errors.Is(err, store.ErrCodeNotFound):
		h.writeError(w, http.StatusNotFound, "No security code found for this transfer")
	case errors.Is(err, app.ErrCodeExpired):
		h.writeError(w, http.StatusBadRequest, "Security code has expired. Please request a new one.")
	case errors.Is(err, app.ErrCodeMismatch):
		h.writeError(w, http.StatusBadRequest, "Invalid security code")
	case errors.Is(err, store.ErrCodeAlreadyUsed):
		h.writeError(w, http.StatusConflict, "Security code has already been used")
	case errors.Is(err, app.ErrCodeOwnershipMismatch):
		h.writeError(w, http.StatusForbidden, "Security code does not belong to this account")
	case errors.Is(err, app.ErrRecipientNotFound):
		h.writeError(w, http.StatusBadRequest, "Recipient account no longer exists")
	case errors.Is(err, app.ErrRecipientWalletNotFound):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrSenderWalletNotFound),
		errors.Is(err, custodyclient.ErrUnsupportedToken):
		// The transfer row exists and was resolved to failed; report it.
		h.writeTransferFailure(w, http.StatusBadRequest, transfer, err.Error())
	case errors.Is(err, app.ErrServiceUnavailable):
		h.writeTransferFailure(w, http.StatusServiceUnavailable, transfer, "Custody service is unavailable. The transfer was recorded as failed.")
	case transfer != nil && transfer.Status == domain.TransferStatusFailed:
		h.writeTransferFailure(w, http.StatusBadGateway, transfer, "Transfer submission failed")
	default:
		log.Printf("level=error component=api msg=\"transfer execution failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *TransferHandlers) writeTransferFailure(w http.ResponseWriter, status int, transfer *domain.Transfer, fallback string) {
	message := fallback
	if transfer != nil && transfer.ErrorMessage != nil && *transfer.ErrorMessage != "" {
		message = *transfer.ErrorMessage
	}
	resp := transferFailureResponse{Status: domain.TransferStatusFailed, Error: message}
	if transfer != nil {
		resp.TransferID = transfer.ID.String()
	}
	h.writeJSON(w, status, resp)
}

// GetTransferHistoryHandler returns the caller's transfer history, newest first.
func (h *TransferHandlers) GetTransferHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseUserID(w, r.URL.Query().Get("userId"))
	if !ok {
		return
	}

	limit, err := parseQueryInt(r, "limit", h.historyPageSize)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseQueryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	if limit <= 0 || limit > 200 {
		limit = h.historyPageSize
	}
	if offset < 0 {
		offset = 0
	}

	transfers, err := h.service.GetHistory(r.Context(), userID, domain.HistoryOptions{Limit: limit, Offset: offset})
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to load transfer history\" user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfers": transfers,
		"limit":     limit,
		"offset":    offset,
	})
}

// GetTransferByIDHandler returns one transfer if the caller is a party to it.
func (h *TransferHandlers) GetTransferByIDHandler(w http.ResponseWriter, r *http.Request) {
	userID, transferID, ok := h.parseTransferRequest(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetByID(r.Context(), transferID, userID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, transfer)
}

// GetTransferStatusHandler returns a transfer after refreshing its
// custody-side status when one is still outstanding.
func (h *TransferHandlers) GetTransferStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, transferID, ok := h.parseTransferRequest(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetStatus(r.Context(), transferID, userID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, transfer)
}

type cancelTransferRequest struct {
	UserID string `json:"user_id"`
}

// CancelTransferHandler cancels a transfer that has not started processing.
func (h *TransferHandlers) CancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID format")
		return
	}

	transfer, err := h.service.Cancel(r.Context(), transferID, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransferNotFound):
			h.writeError(w, http.StatusNotFound, "Transfer not found")
		case errors.Is(err, app.ErrAccessDenied):
			h.writeError(w, http.StatusForbidden, "You are not a party to this transfer")
		case errors.Is(err, app.ErrTransferNotCancellable):
			h.writeError(w, http.StatusConflict, "Transfer can no longer be cancelled")
		default:
			log.Printf("level=error component=api msg=\"transfer cancel failed\" transfer_id=%s err=%v", transferID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, transfer)
}

func (h *TransferHandlers) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTransferNotFound):
		h.writeError(w, http.StatusNotFound, "Transfer not found")
	case errors.Is(err, app.ErrAccessDenied):
		h.writeError(w, http.StatusForbidden, "You are not a party to this transfer")
	default:
		log.Printf("level=error component=api msg=\"transfer lookup failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *TransferHandlers) parseTransferRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := h.parseUserID(w, r.URL.Query().Get("userId"))
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID format")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, transferID, true
}

func (h *TransferHandlers) parseUserID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		h.writeError(w, http.StatusBadRequest, "User ID is required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(trimmed)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

func parseQueryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
