/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - internal/escrow, internal/ratelimit: For rate-limit errors and limiter stats.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/app"
	"github.com/craftwork/settlement-service/internal/domain"
	"github.com/craftwork/settlement-service/internal/escrow"
	"github.com/craftwork/settlement-service/internal/ratelimit"
	"github.com/craftwork/settlement-service/internal/store"
)

// BookingHandlers holds the application service that handlers will use.
type BookingHandlers struct {
	service             *app.Service
	limiter             ratelimit.Limiter
	confirmationTimeout time.Duration
}

// NewBookingHandlers creates a new instance of BookingHandlers.
func NewBookingHandlers(service *app.Service, limiter ratelimit.Limiter, confirmationTimeout time.Duration) *BookingHandlers {
	return &BookingHandlers{
		service:             service,
		limiter:             limiter,
		confirmationTimeout: confirmationTimeout,
	}
}

// bookingResponse wraps a booking with its customer-facing display status,
// which can diverge from the raw lifecycle status while an escrow failure is
// being reconciled.
type bookingResponse struct {
	*domain.Booking
	DisplayStatus string `json:"display_status"`
}

// settlementResponse is returned by the confirm and cancel endpoints.
type settlementResponse struct {
	Booking       *domain.Booking `json:"booking"`
	DisplayStatus string          `json:"display_status"`
	EscrowMoved   bool            `json:"escrow_moved"`
	TxRef         *string         `json:"tx_ref,omitempty"`
	EscrowError   string          `json:"escrow_error,omitempty"`
}

func (h *BookingHandlers) buildBookingResponse(r *http.Request, booking *domain.Booking) bookingResponse {
	return bookingResponse{
		Booking:       booking,
		DisplayStatus: h.service.DisplayStatus(r.Context(), booking),
	}
}

// authenticatedUserID resolves the JWT subject into the caller's UUID. It
// writes the error response itself and reports success through the bool.
func (h *BookingHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id subject=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// bookingIDParam parses the {id} URL parameter.
func (h *BookingHandlers) bookingIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	bookingID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid booking ID format")
		return uuid.Nil, false
	}
	return bookingID, true
}

// CreateBookingHandler handles requests to create a new booking.
func (h *BookingHandlers) CreateBookingHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_booking outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	booking, err := h.service.CreateBooking(r.Context(), customerID, req)
	if err != nil {
		h.writeServiceError(w, "create_booking", err)
		return
	}

	log.Printf("level=info component=api endpoint=create_booking outcome=accepted booking_id=%s customer_id=%s amount=%d", booking.ID, customerID, booking.QuotedAmount)
	h.writeJSON(w, http.StatusCreated, h.buildBookingResponse(r, booking))
}

// GetBookingHandler handles requests to fetch a single booking.
func (h *BookingHandlers) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := h.service.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.writeServiceError(w, "get_booking", err)
		return
	}
	if booking.CustomerID != userID && booking.ProviderID != userID {
		h.writeError(w, http.StatusForbidden, "Not a participant of this booking")
		return
	}

	h.writeJSON(w, http.StatusOK, h.buildBookingResponse(r, booking))
}

// GetBookingHistoryHandler handles requests for a booking's status audit trail.
func (h *BookingHandlers) GetBookingHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := h.service.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.writeServiceError(w, "get_booking_history", err)
		return
	}
	if booking.CustomerID != userID && booking.ProviderID != userID {
		h.writeError(w, http.StatusForbidden, "Not a participant of this booking")
		return
	}

	history, err := h.service.GetStatusHistory(r.Context(), bookingID)
	if err != nil {
		h.writeServiceError(w, "get_booking_history", err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// ApproveBookingHandler handles provider approval of a pending booking.
func (h *BookingHandlers) ApproveBookingHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycleTransition(w, r, "approve_booking", h.service.ApproveBooking)
}

// DeclineBookingHandler handles provider decline of a pending booking.
func (h *BookingHandlers) DeclineBookingHandler(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	// The body is optional for a decline.
	_ = json.NewDecoder(r.Body).Decode(&req)

	booking, err := h.service.DeclineBooking(r.Context(), bookingID, providerID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "decline_booking", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildBookingResponse(r, booking))
}

// MarkPaidHandler confirms a booking after verifying the escrow lock.
func (h *BookingHandlers) MarkPaidHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := h.service.MarkPaid(r.Context(), bookingID, customerID)
	if err != nil {
		h.writeServiceError(w, "mark_paid", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildBookingResponse(r, booking))
}

// StartServiceHandler marks the service as started by the provider.
func (h *BookingHandlers) StartServiceHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycleTransition(w, r, "start_service", h.service.StartService)
}

// CompleteServiceHandler marks the service as completed by the provider.
func (h *BookingHandlers) CompleteServiceHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycleTransition(w, r, "complete_service", h.service.CompleteService)
}

// ConfirmBookingHandler handles the customer's confirm-and-settle action.
func (h *BookingHandlers) ConfirmBookingHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	outcome, err := h.service.ConfirmAndSettle(r.Context(), bookingID, customerID.String(), "")
	if err != nil {
		h.writeServiceError(w, "confirm_booking", err)
		return
	}

	log.Printf("level=info component=api endpoint=confirm_booking outcome=settled booking_id=%s escrow_moved=%v", bookingID, outcome.EscrowMoved)
	h.writeJSON(w, http.StatusOK, settlementResponse{
		Booking:       outcome.Booking,
		DisplayStatus: h.service.DisplayStatus(r.Context(), outcome.Booking),
		EscrowMoved:   outcome.EscrowMoved,
		TxRef:         outcome.TxRef,
		EscrowError:   outcome.EscrowError,
	})
}

// CancelBookingHandler handles cancellation by either party.
func (h *BookingHandlers) CancelBookingHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	var req domain.CancelBookingRequest
	// The body is optional for a cancel.
	_ = json.NewDecoder(r.Body).Decode(&req)

	outcome, err := h.service.CancelAndRefund(r.Context(), bookingID, actorID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "cancel_booking", err)
		return
	}

	log.Printf("level=info component=api endpoint=cancel_booking outcome=cancelled booking_id=%s actor_id=%s escrow_moved=%v", bookingID, actorID, outcome.EscrowMoved)
	h.writeJSON(w, http.StatusOK, settlementResponse{
		Booking:       outcome.Booking,
		DisplayStatus: h.service.DisplayStatus(r.Context(), outcome.Booking),
		EscrowMoved:   outcome.EscrowMoved,
		TxRef:         outcome.TxRef,
		EscrowError:   outcome.EscrowError,
	})
}

// SweepAutoConfirmHandler triggers the auto-confirmation sweep on demand.
// Internal endpoint, guarded by the internal API key.
func (h *BookingHandlers) SweepAutoConfirmHandler(w http.ResponseWriter, r *http.Request) {
	settled, err := h.service.AutoConfirmDue(r.Context(), h.confirmationTimeout, 50)
	if err != nil {
		log.Printf("level=error component=api endpoint=sweep_auto_confirm outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"settled": settled})
}

// RateLimiterStatsHandler exposes the settlement limiter's window usage.
// Internal endpoint, guarded by the internal API key.
func (h *BookingHandlers) RateLimiterStatsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.limiter.Stats())
}

// ListEscrowFailuresHandler lists escrow failure records for operators.
// Internal endpoint, guarded by the internal API key.
func (h *BookingHandlers) ListEscrowFailuresHandler(w http.ResponseWriter, r *http.Request) {
	onlyUnresolved := r.URL.Query().Get("all") != "true"
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	failures, err := h.service.ListEscrowFailures(r.Context(), onlyUnresolved, limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_escrow_failures outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if failures == nil {
		failures = []domain.EscrowFailureRecord{}
	}
	h.writeJSON(w, http.StatusOK, failures)
}

// lifecycleTransition factors the common shape of the provider lifecycle
// endpoints: parse the caller and booking id, invoke one service method,
// respond with the updated booking.
func (h *BookingHandlers) lifecycleTransition(w http.ResponseWriter, r *http.Request, endpoint string, op func(ctx context.Context, bookingID, actorID uuid.UUID) (*domain.Booking, error)) {
	actorID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := op(r.Context(), bookingID, actorID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildBookingResponse(r, booking))
}

// writeServiceError maps service-layer errors onto HTTP statuses.
func (h *BookingHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var invalidTransition *domain.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrBookingNotFound):
		h.writeError(w, http.StatusNotFound, "Booking not found")
	case errors.Is(err, store.ErrBookingStateConflict):
		h.writeError(w, http.StatusConflict, "Booking is not in the expected state")
	case errors.As(err, &invalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotCancellable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotProvider), errors.Is(err, app.ErrNotCustomer), errors.Is(err, app.ErrNotParticipant):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrEscrowNotLocked):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, app.ErrInvalidBooking):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *BookingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BookingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
