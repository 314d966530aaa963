// Package bankmock is an in-memory bank ledger implementing the hold,
// settle and balance contract for local development and demos.
package bankmock

import (
	"errors"
	"math/big"
	"sync"
)

var (
	ErrNoHold        = errors.New("no hold")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrMissingID     = errors.New("paymentId is required")
)

// Hold is a provisional reservation awaiting settlement.
type Hold struct {
	PaymentID string
	Payer     string
	Payee     string
	Amount    *big.Int
}

// Ledger holds balances and open holds. Balances may go negative.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	holds    map[string]*Hold
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]*big.Int),
		holds:    make(map[string]*Hold),
	}
}

// PlaceHold records a hold, replacing any earlier hold for the same payment.
func (l *Ledger) PlaceHold(h Hold) error {
	if h.PaymentID == "" {
		return ErrMissingID
	}
	if h.Amount == nil || h.Amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := h
	cp.Amount = new(big.Int).Set(h.Amount)
	l.holds[h.PaymentID] = &cp
	return nil
}

// Settle moves a held amount from payer to payee and releases the hold.
// Payer and payee from the request override those recorded on the hold
// when given.
func (l *Ledger) Settle(paymentID, payer, payee string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[paymentID]
	if !ok {
		return ErrNoHold
	}
	if payer == "" {
		payer = h.Payer
	}
	if payee == "" {
		payee = h.Payee
	}
	l.addLocked(payer, new(big.Int).Neg(h.Amount))
	l.addLocked(payee, h.Amount)
	delete(l.holds, paymentID)
	return nil
}

// Adjust applies delta to an account directly.
func (l *Ledger) Adjust(address string, delta *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(address, delta)
	return new(big.Int).Set(l.balances[address])
}

// Balance returns the balance of address; unknown accounts are zero.
func (l *Ledger) Balance(address string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[address]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// OpenHolds returns the number of unsettled holds.
func (l *Ledger) OpenHolds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

func (l *Ledger) addLocked(address string, delta *big.Int) {
	b, ok := l.balances[address]
	if !ok {
		b = new(big.Int)
		l.balances[address] = b
	}
	b.Add(b, delta)
}
