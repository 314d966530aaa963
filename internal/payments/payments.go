// Package payments is the system of record for settlement attempts, their
// observed events, per-account reconciled balances and reconciliation runs.
package payments

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrRunNotFound      = errors.New("reconciliation run not found")
	ErrInvalidPayment   = errors.New("invalid payment")
	ErrDuplicatePayment = errors.New("payment already exists")
	ErrDuplicateRun     = errors.New("reconciliation run already recorded")
)

// Status of a payment. Transitions are monotonic: pending → settled|failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSettled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// Event sources.
const (
	SourceOnchain = "onchain"
	SourceDemo    = "demo-simulator"
	SourceSeed    = "seed"
)

// DefaultCurrency is the settlement token symbol recorded on payments.
const DefaultCurrency = "fbUSD"

// Payment is one settlement attempt.
type Payment struct {
	ID           int64     `json:"id"`
	PaymentHash  string    `json:"paymentHash"`
	PayerAddress string    `json:"payerAddress"`
	PayeeAddress string    `json:"payeeAddress"`
	Amount       *big.Int  `json:"-"`
	Currency     string    `json:"currency"`
	Status       Status    `json:"status"`
	LatencyMs    *int64    `json:"latencyMs"`
	OffchainRef  *string   `json:"offchainRef"`
	TxHash       *string   `json:"txHash"`
	ChainID      int64     `json:"chainId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AmountString returns the amount as a decimal integer string.
func (p *Payment) AmountString() string {
	if p.Amount == nil {
		return "0"
	}
	return p.Amount.String()
}

type paymentJSON Payment

// MarshalJSON renders the amount as a decimal string.
func (p Payment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		paymentJSON
		Amount string `json:"amount"`
	}{paymentJSON(p), p.AmountString()})
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.Amount != nil {
		cp.Amount = new(big.Int).Set(p.Amount)
	}
	return &cp
}

// PaymentEvent is one immutable observation tied to a payment.
type PaymentEvent struct {
	ID          int64     `json:"id"`
	PaymentID   int64     `json:"paymentId"`
	PaymentHash string    `json:"paymentHash"`
	EventType   EventType `json:"eventType"`
	Payload     Payload   `json:"payload"`
	TxHash      *string   `json:"txHash,omitempty"`
	BlockNumber *uint64   `json:"blockNumber,omitempty"`
	LogIndex    *uint     `json:"logIndex,omitempty"`
	Source      string    `json:"source"`
	DedupeKey   string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Account holds the latest reconciled balances of one address.
type Account struct {
	Address        string    `json:"address"`
	BalanceOnchain *big.Int  `json:"-"`
	BalanceBank    *big.Int  `json:"-"`
	Discrepancy    *big.Int  `json:"-"`
	LastReconRunID string    `json:"lastReconRunId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	cp := *a
	cp.BalanceOnchain = cloneInt(a.BalanceOnchain)
	cp.BalanceBank = cloneInt(a.BalanceBank)
	cp.Discrepancy = cloneInt(a.Discrepancy)
	return &cp
}

type accountJSON Account

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		accountJSON
		BalanceOnchain string `json:"balanceOnchain"`
		BalanceBank    string `json:"balanceBank"`
		Discrepancy    string `json:"discrepancy"`
	}{accountJSON(a), intString(a.BalanceOnchain), intString(a.BalanceBank), intString(a.Discrepancy)})
}

// AccountFlow is the settled net flow of one address inside a window.
type AccountFlow struct {
	Address string
	NetFlow *big.Int
}

// ReconciliationRun is the audit record of one engine execution.
type ReconciliationRun struct {
	ID                  int64           `json:"id"`
	RunID               string          `json:"runId"`
	TotalTx             int             `json:"totalTx"`
	MismatchedTx        int             `json:"mismatchedTx"`
	TotalDiscrepancyUSD decimal.Decimal `json:"totalDiscrepancyUsd"`
	Summary             *string         `json:"aiSummary"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// Stats aggregates payments created inside a window.
type Stats struct {
	Total             int     `json:"totalPayments"`
	Settled           int     `json:"settledPayments"`
	Pending           int     `json:"pendingPayments"`
	Failed            int     `json:"failedPayments"`
	AvgLatencyMs      float64 `json:"avgSettlementLatencyMs"`
	P95LatencyMs      float64 `json:"p95SettlementLatencyMs"`
	SettlementSuccess float64 `json:"settlementSuccessRate"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
