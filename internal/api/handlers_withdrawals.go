package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/transfa/cashflow-service/internal/domain"
)

func (h *DeskHandlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}

	var req domain.CreateWithdrawalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	withdrawal, err := h.service.CreateWithdrawal(r.Context(), agentID, req)
	if err != nil {
		writeServiceError(w, "create_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, withdrawal)
}

// ListWithdrawalsHandler accepts a comma separated stage filter, e.g. ?stage=2,4.
func (h *DeskHandlers) ListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := domain.WithdrawalListOptions{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			stage, err := domain.ParseWithdrawalStage(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			opts.Stages = append(opts.Stages, stage)
		}
	}

	withdrawals, err := h.service.ListWithdrawals(r.Context(), opts)
	if err != nil {
		writeServiceError(w, "list_withdrawals", err)
		return
	}
	if withdrawals == nil {
		withdrawals = []domain.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

func (h *DeskHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	withdrawalID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	withdrawal, err := h.service.GetWithdrawal(r.Context(), withdrawalID)
	if err != nil {
		writeServiceError(w, "get_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawal)
}

// HoldOptionsHandler returns what the hold wizard offers for a withdrawal.
func (h *DeskHandlers) HoldOptionsHandler(w http.ResponseWriter, r *http.Request) {
	withdrawalID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	options, err := h.service.HoldOptions(r.Context(), withdrawalID)
	if err != nil {
		writeServiceError(w, "hold_options", err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *DeskHandlers) ListHoldsHandler(w http.ResponseWriter, r *http.Request) {
	withdrawalID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holds, err := h.service.ListWithdrawalHolds(r.Context(), withdrawalID)
	if err != nil {
		writeServiceError(w, "list_holds", err)
		return
	}
	if holds == nil {
		holds = []domain.WithdrawalHold{}
	}
	writeJSON(w, http.StatusOK, holds)
}

// SubmitHoldHandler commits the hold wizard in one request.
func (h *DeskHandlers) SubmitHoldHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}
	withdrawalID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var submission domain.HoldSubmission
	if err := decodeJSON(w, r, &submission); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.SubmitHold(r.Context(), withdrawalID, agentID, submission)
	if err != nil {
		log.Printf("level=warn component=api endpoint=submit_hold outcome=rejected withdrawal_id=%s agent=%s err=%v", withdrawalID, agentID, err)
		writeServiceError(w, "submit_hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *DeskHandlers) SettleHoldHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}
	withdrawalID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holdID, err := pathUUID(r, "holdID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.SettleHold(r.Context(), withdrawalID, holdID, agentID)
	if err != nil {
		writeServiceError(w, "settle_hold", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *DeskHandlers) ReleaseHoldHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}
	withdrawalID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holdID, err := pathUUID(r, "holdID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.ReleaseHold(r.Context(), withdrawalID, holdID, agentID)
	if err != nil {
		writeServiceError(w, "release_hold", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
