package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"clinic-registration/internal/domain/model"
	"clinic-registration/internal/usecase"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeClassifiedError maps an orchestrator failure to a response the UI can
// show directly, keeping the classified kind and retry count alongside the
// user-facing message.
func writeClassifiedError(w http.ResponseWriter, err error) {
	var rec *usecase.ErrorRecord
	if !errors.As(err, &rec) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch rec.Kind {
	case usecase.ErrorKindValidation:
		status = http.StatusBadRequest
	case usecase.ErrorKindNetwork:
		status = http.StatusServiceUnavailable
	case usecase.ErrorKindServer:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   rec.Message,
		"kind":    string(rec.Kind),
		"retries": rec.RetriesAttempted,
	})
}

type orderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	details, err := s.regUC.CreateOrder(r.Context(), UserID(r.Context()), req.Amount, req.Currency)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, details)
}

type completeRequest struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Signature string `json:"signature"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	userID := UserID(r.Context())
	if err := s.regUC.CompleteRegistration(r.Context(), userID, req.PaymentID, req.OrderID, req.Signature); err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"polling": s.regUC.IsPolling(userID)})
}

// statusResponse merges the remote snapshot with polling observability so a
// progress screen needs a single request.
type statusResponse struct {
	*model.StatusSnapshot
	IsPolling    bool   `json:"is_polling"`
	PollingError string `json:"polling_error,omitempty"`
	Polling      struct {
		AttemptCount      int   `json:"attempt_count"`
		CurrentIntervalMS int64 `json:"current_interval_ms"`
	} `json:"polling"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	snap, err := s.regUC.FetchRegistrationStatus(r.Context(), userID)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	resp := statusResponse{StatusSnapshot: snap}
	resp.IsPolling = s.regUC.IsPolling(userID)
	resp.PollingError = s.regUC.PollingError(userID)
	ps := s.regUC.PollingState(userID)
	resp.Polling.AttemptCount = ps.AttemptCount
	resp.Polling.CurrentIntervalMS = ps.CurrentInterval.Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryTasks(w http.ResponseWriter, r *http.Request) {
	res, err := s.regUC.TriggerTaskProcessing(r.Context(), UserID(r.Context()))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type stateResponse struct {
	Step            int    `json:"step"`
	Role            string `json:"role,omitempty"`
	PaymentComplete bool   `json:"payment_complete"`
	PaymentPending  bool   `json:"payment_pending"`
	ErrorCount      int    `json:"error_count"`
	LastError       string `json:"last_error,omitempty"`
	LastErrorTime   string `json:"last_error_time,omitempty"`
}

func toStateResponse(st model.RegistrationState) stateResponse {
	resp := stateResponse{
		Step:            int(st.Step),
		Role:            string(st.Role),
		PaymentComplete: st.PaymentComplete,
		PaymentPending:  st.PaymentPending,
		ErrorCount:      st.ErrorCount,
		LastError:       st.LastError,
	}
	if !st.LastErrorTime.IsZero() {
		resp.LastErrorTime = st.LastErrorTime.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Get(r.Context(), UserID(r.Context()))
	if err != nil {
		http.Error(w, "Failed to load state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(st))
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	userID := UserID(r.Context())
	ok, err := s.store.UpdateRole(r.Context(), userID, model.Role(req.Role))
	if err != nil {
		http.Error(w, "Failed to update role", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	st, err := s.store.Get(r.Context(), userID)
	if err != nil {
		http.Error(w, "Failed to load state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(st))
}

// handleFinalize performs the terminal step transition for flows that finish
// without server-side provisioning. Patients are rejected by the transition
// guards; their flow ends through polling reconciliation instead.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	ok, err := s.store.UpdateStep(r.Context(), userID, model.StepDone, false)
	if err != nil {
		http.Error(w, "Failed to finalize", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Registration cannot be finalized at this step", http.StatusConflict)
		return
	}
	s.regUC.StopPolling(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	s.regUC.StopPolling(userID)
	if _, err := s.store.Clear(r.Context(), userID); err != nil {
		http.Error(w, "Failed to reset", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopPolling(w http.ResponseWriter, r *http.Request) {
	s.regUC.StopPolling(UserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
