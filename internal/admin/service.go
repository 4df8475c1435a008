// Package admin provides the administrative HTTP surface: funding request
// review, user suspension, and manual balance adjustments. Every decision
// that moves money writes exactly one ledger entry through the balance
// ledger, same as any other mutation.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/balance"
	"github.com/edgemarket/trade-engine/internal/event"
	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/store"
)

// Service handles admin operations.
type Service struct {
	store  store.Store
	ledger *balance.Ledger
	sink   event.Sink
}

// NewService creates an admin service.
func NewService(st store.Store, led *balance.Ledger, sink event.Sink) *Service {
	return &Service{store: st, ledger: led, sink: sink}
}

// RejectRequest is the JSON body for POST /admin/funding/{id}/reject.
type RejectRequest struct {
	ProcessedBy string `json:"processed_by"`
	Reason      string `json:"reason"`
}

// ApproveRequest is the JSON body for POST /admin/funding/{id}/approve.
type ApproveRequest struct {
	ProcessedBy string `json:"processed_by"`
}

// AdjustBalanceRequest is the JSON body for PUT /admin/users/{id}/balance.
type AdjustBalanceRequest struct {
	TotalDelta   decimal.Decimal `json:"total_delta"`
	TradingDelta decimal.Decimal `json:"trading_delta"`
	Reason       string          `json:"reason"`
}

// HandleApproveFunding handles POST /api/v1/admin/funding/{id}/approve.
// Approving a deposit credits the total balance; approving a withdrawal
// debits it, refusing with 409 when funds are insufficient. The pending →
// approved status transition guards against double application.
func (s *Service) HandleApproveFunding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	fr, err := s.store.GetFundingRequest(ctx, id)
	if err != nil {
		writeError(w, "funding request not found", http.StatusNotFound)
		return
	}
	if fr.Status != model.FundingPending {
		writeError(w, "funding request already processed", http.StatusConflict)
		return
	}

	// For a withdrawal the money must leave before the request flips to
	// approved, so a failed debit leaves the request pending and retryable.
	op := balance.Op{Reason: "funding request " + fr.ID}
	if fr.Kind == model.FundingDeposit {
		op.Kind = model.KindDeposit
		_, err = s.ledger.Credit(ctx, fr.UserID, model.BucketTotal, fr.Amount, op)
	} else {
		op.Kind = model.KindWithdrawal
		op.Amount = fr.Amount.Neg()
		_, err = s.ledger.Debit(ctx, fr.UserID, model.BucketTotal, fr.Amount, op)
	}
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.store.SetFundingRequestStatus(ctx, id, model.FundingApproved, req.ProcessedBy, ""); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("funding request approved",
		"request", id, "user", fr.UserID, "kind", fr.Kind,
		"amount", fr.Amount.String(), "by", req.ProcessedBy)
	s.sink.Publish(event.Event{
		Type:      event.TypeFundingUpdated,
		RequestID: id,
		UserID:    fr.UserID,
		Status:    string(model.FundingApproved),
	})

	fr.Status = model.FundingApproved
	fr.ProcessedBy = req.ProcessedBy
	writeJSON(w, http.StatusOK, fr)
}

// HandleRejectFunding handles POST /api/v1/admin/funding/{id}/reject.
// No money moves; the reason is recorded on the request.
func (s *Service) HandleRejectFunding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	fr, err := s.store.GetFundingRequest(ctx, id)
	if err != nil {
		writeError(w, "funding request not found", http.StatusNotFound)
		return
	}
	if fr.Status != model.FundingPending {
		writeError(w, "funding request already processed", http.StatusConflict)
		return
	}

	if err := s.store.SetFundingRequestStatus(ctx, id, model.FundingRejected, req.ProcessedBy, req.Reason); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("funding request rejected",
		"request", id, "user", fr.UserID, "reason", req.Reason, "by", req.ProcessedBy)
	s.sink.Publish(event.Event{
		Type:      event.TypeFundingUpdated,
		RequestID: id,
		UserID:    fr.UserID,
		Status:    string(model.FundingRejected),
		Reason:    req.Reason,
	})

	fr.Status = model.FundingRejected
	fr.RejectReason = req.Reason
	fr.ProcessedBy = req.ProcessedBy
	writeJSON(w, http.StatusOK, fr)
}

// HandleListFunding handles GET /api/v1/admin/funding?status=pending.
func (s *Service) HandleListFunding(w http.ResponseWriter, r *http.Request) {
	status := model.FundingStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.FundingPending
	}

	reqs, err := s.store.ListFundingRequests(r.Context(), status)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if reqs == nil {
		reqs = []model.FundingRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// HandleSuspendUser handles POST /api/v1/admin/users/{id}/suspend.
// A suspended user cannot open trades; in-flight contracts still settle.
func (s *Service) HandleSuspendUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, model.UserSuspended)
}

// HandleActivateUser handles POST /api/v1/admin/users/{id}/activate.
func (s *Service) HandleActivateUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, model.UserActive)
}

func (s *Service) setUserStatus(w http.ResponseWriter, r *http.Request, status model.UserStatus) {
	id := chi.URLParam(r, "id")

	ctx := r.Context()
	if err := s.store.SetUserStatus(ctx, id, status); err != nil {
		if errors.Is(err, model.ErrUnknownUser) || errors.Is(err, model.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("user status changed", "user", id, "status", status)
	s.sink.Publish(event.Event{
		Type:   event.TypeUserStatusChanged,
		UserID: id,
		Status: string(status),
	})
	writeJSON(w, http.StatusOK, map[string]string{"user_id": id, "status": string(status)})
}

// HandleAdjustBalance handles PUT /api/v1/admin/users/{id}/balance: a
// manual correction applying both deltas atomically with one AdjustBalance
// entry carrying the reason.
func (s *Service) HandleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}
	if req.TotalDelta.IsZero() && req.TradingDelta.IsZero() {
		writeError(w, "at least one delta must be non-zero", http.StatusBadRequest)
		return
	}

	entry, err := s.ledger.Adjust(r.Context(), id, req.TotalDelta, req.TradingDelta, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrUnknownUser):
			writeError(w, "user not found", http.StatusNotFound)
		case errors.Is(err, model.ErrInsufficientFunds):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	slog.Info("balance adjusted",
		"user", id, "total_delta", req.TotalDelta.String(),
		"trading_delta", req.TradingDelta.String(), "reason", req.Reason)
	s.sink.Publish(event.Event{
		Type:   event.TypeBalanceAdjusted,
		UserID: id,
		Reason: req.Reason,
	})
	writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
