package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/transfa/cashflow-service/internal/domain"
)

// CreateDepositHandler registers a deposit on behalf of a front-line agent.
func (h *DeskHandlers) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}

	var req domain.CreateDepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deposit, err := h.service.CreateDeposit(r.Context(), agentID, req)
	if err != nil {
		writeServiceError(w, "create_deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, deposit)
}

// ListDepositsHandler returns a deposit work queue, optionally filtered by stage.
func (h *DeskHandlers) ListDepositsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := domain.DepositListOptions{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		stage, err := domain.ParseDepositStage(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Stage = &stage
	}

	deposits, err := h.service.ListDeposits(r.Context(), opts)
	if err != nil {
		writeServiceError(w, "list_deposits", err)
		return
	}
	if deposits == nil {
		deposits = []domain.DepositRequest{}
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (h *DeskHandlers) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	depositID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deposit, err := h.service.GetDeposit(r.Context(), depositID)
	if err != nil {
		writeServiceError(w, "get_deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, deposit)
}

// ListCandidatesHandler proposes withdrawals the deposit could fund.
func (h *DeskHandlers) ListCandidatesHandler(w http.ResponseWriter, r *http.Request) {
	depositID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	candidates, err := h.service.FindCandidates(r.Context(), depositID)
	if err != nil {
		writeServiceError(w, "list_candidates", err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

// AssignDepositHandler confirms a candidate; the caller must hold the operations lock.
func (h *DeskHandlers) AssignDepositHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}
	depositID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req domain.AssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.AssignDeposit(r.Context(), depositID, agentID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=assign_deposit outcome=rejected deposit_id=%s agent=%s err=%v", depositID, agentID, err)
		writeServiceError(w, "assign_deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SettleDepositHandler confirms a deposit held by finance.
func (h *DeskHandlers) SettleDepositHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}
	depositID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.SettleDeposit(r.Context(), depositID, agentID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=settle_deposit outcome=rejected deposit_id=%s agent=%s err=%v", depositID, agentID, err)
		writeServiceError(w, "settle_deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
