// Package event defines the fire-and-forget sink downstream UIs consume.
// Delivery is best-effort: the engine never blocks or fails an operation
// because a subscriber is slow or absent.
package event

// Event types published by the engine.
const (
	TypeTradeOpened       = "trade_opened"
	TypeContractSettled   = "contract_settled"
	TypeSettlementStalled = "settlement_stalled"
	TypePriceTick         = "price_tick"
	TypeFundingUpdated    = "funding_updated"
	TypeBalanceAdjusted   = "balance_adjusted"
	TypeUserStatusChanged = "user_status_changed"
)

// Event is a JSON message describing one engine state change. Monetary
// fields are decimal strings.
type Event struct {
	Type         string `json:"type"`
	ContractID   string `json:"contract_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	InstrumentID string `json:"instrument_id,omitempty"`
	Prediction   string `json:"prediction,omitempty"`
	Stake        string `json:"stake,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	PnL          string `json:"pnl,omitempty"`
	Price        string `json:"price,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Sink receives engine events. Publish must not block the caller.
type Sink interface {
	Publish(ev Event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// NopSink discards events. Used in tests and when no sink is configured.
type NopSink struct{}

func (NopSink) Publish(Event) {}
