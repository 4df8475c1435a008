// Package trade provides the HTTP handlers and business logic for opening
// timed trades and querying users, balances, and ledger history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/balance"
	"github.com/edgemarket/trade-engine/internal/event"
	"github.com/edgemarket/trade-engine/internal/instrument"
	"github.com/edgemarket/trade-engine/internal/metrics"
	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/price"
	"github.com/edgemarket/trade-engine/internal/registry"
	"github.com/edgemarket/trade-engine/internal/risk"
	"github.com/edgemarket/trade-engine/internal/store"
)

// Service handles trade intake and the user-facing API.
type Service struct {
	store     store.Store
	registry  *registry.Registry
	ledger    *balance.Ledger
	prices    price.Source
	limiter   *risk.StakeLimiter
	sink      event.Sink
	catalog   []instrument.Instrument
	durations map[int]bool
}

// NewService creates a trade service. Durations is the set of allowed
// contract horizons in minutes.
func NewService(st store.Store, reg *registry.Registry, led *balance.Ledger, src price.Source, lim *risk.StakeLimiter, sink event.Sink, catalog []instrument.Instrument, durations []int) *Service {
	allowed := make(map[int]bool, len(durations))
	for _, d := range durations {
		allowed[d] = true
	}
	return &Service{
		store:     st,
		registry:  reg,
		ledger:    led,
		prices:    src,
		limiter:   lim,
		sink:      sink,
		catalog:   catalog,
		durations: allowed,
	}
}

// --- Request/Response types ---

// OpenTradeRequest is the JSON body for POST /api/v1/trades.
type OpenTradeRequest struct {
	UserID          string          `json:"user_id"`
	InstrumentID    string          `json:"instrument_id"`
	Prediction      string          `json:"prediction"` // "up" or "down"
	Stake           decimal.Decimal `json:"stake"`
	DurationMinutes int             `json:"duration_minutes"`
}

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	Email        string          `json:"email"`
	InitialTotal decimal.Decimal `json:"initial_total"` // optional signup seed
}

// ConvertRequest is the JSON body for POST /api/v1/convert.
type ConvertRequest struct {
	UserID string          `json:"user_id"`
	From   string          `json:"from"` // "total" or "trading"
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// FundingRequestBody is the JSON body for POST /api/v1/funding.
type FundingRequestBody struct {
	UserID     string          `json:"user_id"`
	Kind       string          `json:"kind"` // "deposit" or "withdrawal"
	Amount     decimal.Decimal `json:"amount"`
	CryptoType string          `json:"crypto_type"`
	Address    string          `json:"address"`
}

// --- Core logic ---

// OpenTrade validates and opens a timed trade. Order matters: the contract
// row is persisted first, then the stake is debited; a failed debit unwinds
// the row so a rejected trade leaves neither a contract nor a ledger entry.
// A crash inside that window leaves an open row with no TradeOpen entry,
// which the scheduler's recovery pass unwinds instead of indexing.
func (s *Service) OpenTrade(ctx context.Context, req OpenTradeRequest) (*model.Contract, error) {
	if !req.Stake.IsPositive() {
		return nil, model.ErrInvalidStake
	}
	if !s.durations[req.DurationMinutes] {
		return nil, model.ErrInvalidDuration
	}
	prediction := model.Prediction(req.Prediction)
	if !prediction.Valid() {
		return nil, model.ErrInvalidPrediction
	}

	u, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if u.Status == model.UserSuspended {
		return nil, model.ErrUserSuspended
	}

	if err := s.limiter.CheckLimit(req.InstrumentID, req.Stake, s.registry.OpenStakeByInstrument(req.UserID)); err != nil {
		return nil, err
	}

	entryPrice, err := s.prices.Current(req.InstrumentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Contract{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		InstrumentID: req.InstrumentID,
		Prediction:   prediction,
		Stake:        req.Stake,
		EntryPrice:   entryPrice,
		State:        model.StateOpen,
		OpenedAt:     now,
		ExpiresAt:    now.Add(time.Duration(req.DurationMinutes) * time.Minute),
	}

	if err := s.registry.Insert(ctx, c); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Debit(ctx, req.UserID, model.BucketTrading, req.Stake, balance.Op{
		Kind:       model.KindTradeOpen,
		ContractID: c.ID,
		Amount:     req.Stake.Neg(),
	}); err != nil {
		s.registry.Remove(c.ID)
		if derr := s.store.DeleteContract(ctx, c.ID); derr != nil {
			slog.Error("failed to unwind contract after debit failure",
				"contract", c.ID, "err", derr)
		}
		return nil, err
	}

	metrics.TradesOpened.WithLabelValues(string(prediction)).Inc()
	metrics.OpenContracts.Inc()

	slog.Info("trade opened",
		"contract", c.ID, "user", c.UserID, "instrument", c.InstrumentID,
		"prediction", prediction, "stake", req.Stake.String(),
		"entry", entryPrice.String(), "expires_at", c.ExpiresAt)

	s.sink.Publish(event.Event{
		Type:         event.TypeTradeOpened,
		ContractID:   c.ID,
		UserID:       c.UserID,
		InstrumentID: c.InstrumentID,
		Prediction:   string(prediction),
		Stake:        req.Stake.String(),
		Price:        entryPrice.String(),
	})
	return c, nil
}

// --- HTTP Handlers ---

// HandleOpenTrade handles POST /api/v1/trades.
func (s *Service) HandleOpenTrade(w http.ResponseWriter, r *http.Request) {
	var req OpenTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	c, err := s.OpenTrade(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// HandleActiveTrades handles GET /api/v1/trades/active?user_id=.
func (s *Service) HandleActiveTrades(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	active := s.registry.ActiveByUser(userID)
	if active == nil {
		active = []model.Contract{}
	}
	writeJSON(w, http.StatusOK, active)
}

// HandleCreateUser handles POST /api/v1/users.
func (s *Service) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		writeError(w, "email is required", http.StatusBadRequest)
		return
	}
	if req.InitialTotal.IsNegative() {
		writeError(w, "initial_total must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	u := &model.User{
		ID:        uuid.New().String(),
		Email:     req.Email,
		Status:    model.UserActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	// Seed balance moves through the ledger so replay still holds.
	if req.InitialTotal.IsPositive() {
		if _, err := s.ledger.Credit(ctx, u.ID, model.BucketTotal, req.InitialTotal, balance.Op{
			Kind:   model.KindDeposit,
			Reason: "signup seed",
		}); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
		u.TotalBalance = req.InitialTotal
	}

	slog.Info("user created", "user", u.ID, "email", u.Email)
	writeJSON(w, http.StatusCreated, u)
}

// HandleBalance handles GET /api/v1/users/{userID}/balance.
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	b, err := s.ledger.Balances(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleLedger handles GET /api/v1/users/{userID}/ledger.
func (s *Service) HandleLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := s.store.LedgerByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleConvert handles POST /api/v1/convert, moving money between the
// total and trading buckets.
func (s *Service) HandleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	from, to := model.Bucket(req.From), model.Bucket(req.To)
	if !validBucket(from) || !validBucket(to) {
		writeError(w, "from/to must be total or trading", http.StatusBadRequest)
		return
	}

	u, err := s.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if u.Status == model.UserSuspended {
		writeError(w, model.ErrUserSuspended.Error(), http.StatusConflict)
		return
	}

	entry, err := s.ledger.Convert(r.Context(), req.UserID, from, to, req.Amount, "bucket conversion")
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	slog.Info("balance converted",
		"user", req.UserID, "from", from, "to", to, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, entry)
}

// HandleFundingRequest handles POST /api/v1/funding: a user files a
// deposit or withdrawal request that waits for admin review.
func (s *Service) HandleFundingRequest(w http.ResponseWriter, r *http.Request) {
	var req FundingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	kind := model.FundingKind(req.Kind)
	if kind != model.FundingDeposit && kind != model.FundingWithdrawal {
		writeError(w, "kind must be deposit or withdrawal", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	u, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if u.Status == model.UserSuspended {
		writeError(w, model.ErrUserSuspended.Error(), http.StatusConflict)
		return
	}

	fr := &model.FundingRequest{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Kind:       kind,
		Amount:     req.Amount,
		CryptoType: req.CryptoType,
		Address:    req.Address,
		Status:     model.FundingPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertFundingRequest(ctx, fr); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	slog.Info("funding request filed",
		"request", fr.ID, "user", fr.UserID, "kind", kind, "amount", req.Amount.String())
	s.sink.Publish(event.Event{
		Type:      event.TypeFundingUpdated,
		RequestID: fr.ID,
		UserID:    fr.UserID,
		Status:    string(model.FundingPending),
	})
	writeJSON(w, http.StatusCreated, fr)
}

// HandleInstruments handles GET /api/v1/instruments.
func (s *Service) HandleInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog)
}

func validBucket(b model.Bucket) bool {
	return b == model.BucketTotal || b == model.BucketTrading
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnknownUser),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, instrument.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidStake),
		errors.Is(err, model.ErrInvalidDuration),
		errors.Is(err, model.ErrInvalidPrediction):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrUserSuspended),
		errors.Is(err, model.ErrDuplicateUser),
		errors.Is(err, model.ErrDuplicateContract),
		errors.Is(err, risk.ErrInstrumentLimitExceeded),
		errors.Is(err, risk.ErrTotalLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
