package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/cashflow-service/internal/domain"
)

type forceReleaseResponse struct {
	Released bool `json:"released"`
}

type sweepResponse struct {
	Reclaimed int           `json:"reclaimed"`
	Locks     []domain.Lock `json:"locks"`
}

// lockKeyFromRequest builds the lock key from the {id} and {department} path params.
func lockKeyFromRequest(r *http.Request, kind domain.RequestKind) (domain.LockKey, error) {
	requestID, err := pathUUID(r, "id")
	if err != nil {
		return domain.LockKey{}, err
	}
	department, err := domain.ParseDepartment(chi.URLParam(r, "department"))
	if err != nil {
		return domain.LockKey{}, err
	}
	key := domain.LockKey{Kind: kind, RequestID: requestID, Department: department}
	return key, key.Validate()
}

// AcquireLockHandler claims a request for the caller's department.
func (h *DeskHandlers) AcquireLockHandler(kind domain.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := agentFromRequest(w, r)
		if !ok {
			return
		}
		key, err := lockKeyFromRequest(r, kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		lock, err := h.service.AcquireLock(r.Context(), key, agentID)
		if err != nil {
			writeServiceError(w, "acquire_lock", err)
			return
		}
		writeJSON(w, http.StatusOK, lock)
	}
}

func (h *DeskHandlers) RenewLockHandler(kind domain.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := agentFromRequest(w, r)
		if !ok {
			return
		}
		key, err := lockKeyFromRequest(r, kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		lock, err := h.service.RenewLock(r.Context(), key, agentID)
		if err != nil {
			writeServiceError(w, "renew_lock", err)
			return
		}
		writeJSON(w, http.StatusOK, lock)
	}
}

// ReleaseLockHandler gives a request back to the queue without changing its stage.
func (h *DeskHandlers) ReleaseLockHandler(kind domain.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := agentFromRequest(w, r)
		if !ok {
			return
		}
		key, err := lockKeyFromRequest(r, kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := h.service.ReleaseLock(r.Context(), key, agentID); err != nil {
			writeServiceError(w, "release_lock", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TransitionHandler approves or rejects a request the caller holds.
func (h *DeskHandlers) TransitionHandler(kind domain.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := agentFromRequest(w, r)
		if !ok {
			return
		}
		requestID, err := pathUUID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var req domain.TransitionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		department, err := domain.ParseDepartment(req.Department)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		action, err := domain.ParseAction(req.Action)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		key := domain.LockKey{Kind: kind, RequestID: requestID, Department: department}
		result, err := h.service.ApproveAndRelease(r.Context(), key, agentID, action)
		if err != nil {
			log.Printf("level=warn component=api endpoint=transition outcome=rejected key=%s agent=%s action=%s err=%v", key, agentID, action, err)
			writeServiceError(w, "transition", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// RecoverSessionHandler returns the locks the caller still holds after a reload.
func (h *DeskHandlers) RecoverSessionHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentFromRequest(w, r)
	if !ok {
		return
	}
	held, err := h.service.RecoverSession(r.Context(), agentID)
	if err != nil {
		writeServiceError(w, "recover_session", err)
		return
	}
	writeJSON(w, http.StatusOK, held)
}

// SweepLocksHandler runs the lease sweep on demand.
func (h *DeskHandlers) SweepLocksHandler(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := h.service.SweepExpiredLocks(r.Context())
	if err != nil {
		writeServiceError(w, "sweep_locks", err)
		return
	}
	if reclaimed == nil {
		reclaimed = []domain.Lock{}
	}
	writeJSON(w, http.StatusOK, sweepResponse{Reclaimed: len(reclaimed), Locks: reclaimed})
}

// ForceReleaseLockHandler is the supervisor override for a stuck lock.
func (h *DeskHandlers) ForceReleaseLockHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseRequestKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := lockKeyFromRequest(r, kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "internal"
	}
	released, err := h.service.ForceReleaseLock(r.Context(), key, actor)
	if err != nil {
		writeServiceError(w, "force_release_lock", err)
		return
	}
	writeJSON(w, http.StatusOK, forceReleaseResponse{Released: released})
}

// AuditConsistencyHandler runs the balance audit on demand.
func (h *DeskHandlers) AuditConsistencyHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.AuditConsistency(r.Context())
	if err != nil {
		writeServiceError(w, "audit_consistency", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
