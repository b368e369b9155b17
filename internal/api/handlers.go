/**
 * @description
 * This file contains the shared plumbing for the desk HTTP handlers: the handler
 * type, request decoding, path parsing and the mapping from service errors to
 * HTTP status codes.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/cashflow-service/internal/app"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

const maxRequestBodyBytes = 1 << 20

// DeskHandlers holds the application service that handlers will use.
type DeskHandlers struct {
	service *app.Service
}

// NewDeskHandlers creates a new instance of DeskHandlers.
func NewDeskHandlers(service *app.Service) *DeskHandlers {
	return &DeskHandlers{service: service}
}

type errorResponse struct {
	Error      string     `json:"error"`
	Code       string     `json:"code,omitempty"`
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps service and store errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var (
		contention  *domain.ContentionError
		consistency *domain.ConsistencyError
		rateLimited *app.RateLimitError
	)

	switch {
	case errors.As(err, &contention):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:      contention.Error(),
			Code:       "lock_contention",
			Holder:     contention.Holder,
			AcquiredAt: contention.AcquiredAt,
		})
	case errors.As(err, &consistency):
		log.Printf("level=error component=api endpoint=%s outcome=halted reason=consistency field=%s err=%v", endpoint, consistency.Field, err)
		writeJSON(w, http.StatusConflict, errorResponse{Error: consistency.Error(), Code: "consistency_error"})
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: rateLimited.Error(), Code: "rate_limited"})
	case errors.Is(err, domain.ErrLockNotHeld):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error(), Code: "lock_not_held"})
	case errors.Is(err, store.ErrDepositNotFound),
		errors.Is(err, store.ErrWithdrawalNotFound),
		errors.Is(err, store.ErrCashtagNotFound),
		errors.Is(err, store.ErrHoldNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, store.ErrDuplicateReference):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "duplicate_reference"})
	case errors.Is(err, app.ErrInvalidReference),
		errors.Is(err, app.ErrInvalidPlayer),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidDepartment),
		errors.Is(err, domain.ErrInvalidStage),
		errors.Is(err, domain.ErrInvalidTransferTag):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrRequestTerminal),
		errors.Is(err, app.ErrHoldOutOfBounds),
		errors.Is(err, app.ErrSelectionRequired),
		errors.Is(err, app.ErrPaymentMethodMismatch),
		errors.Is(err, app.ErrConfirmationMismatch),
		errors.Is(err, app.ErrInsufficientCashtagBalance),
		errors.Is(err, app.ErrCandidateMismatch),
		errors.Is(err, app.ErrWizardIncomplete),
		errors.Is(err, app.ErrWithdrawalHasFunds),
		errors.Is(err, app.ErrHoldNotActive):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "rule_violation"})
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", param)
	}
	return id, nil
}

// agentFromRequest returns the authenticated agent or writes a 401.
func agentFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	agentID, ok := GetAgentID(r.Context())
	if !ok || agentID == "" {
		writeError(w, http.StatusUnauthorized, "Could not get agent ID from context")
		return "", false
	}
	return agentID, true
}

func parsePagination(r *http.Request) (int, int, error) {
	var limit, offset int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
		limit = value
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
		offset = value
	}
	return limit, offset, nil
}
