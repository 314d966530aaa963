// Package summary renders the narrative text attached to a reconciliation run.
//
// Generate is a pure function of the run statistics: no clock, no network,
// no randomness. The same input always yields the same text.
package summary

import (
	"fmt"
	"strings"

	"github.com/mbd888/ledgersync/internal/amount"
	"github.com/shopspring/decimal"
)

// MaxNamedAccounts caps how many accounts appear in the text.
const MaxNamedAccounts = 3

// TopAccount is one ranked account with its discrepancy already converted
// into the display currency.
type TopAccount struct {
	Address     string
	Discrepancy decimal.Decimal
}

// Input holds the statistics of a completed run.
type Input struct {
	RunID            string
	TotalTx          int
	MismatchedTx     int
	TotalDiscrepancy decimal.Decimal
	TopAccounts      []TopAccount
}

// MismatchRate returns mismatched/total as a percentage; 0 when total is 0.
func MismatchRate(totalTx, mismatchedTx int) decimal.Decimal {
	if totalTx <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(mismatchedTx)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(totalTx)))
}

// Generate builds the summary text.
func Generate(in Input) string {
	rate := MismatchRate(in.TotalTx, in.MismatchedTx)

	lines := []string{
		fmt.Sprintf("Reconciliation run analyzed %d transactions.", in.TotalTx),
		fmt.Sprintf("%d transactions (%s%%) showed discrepancies.", in.MismatchedTx, rate.StringFixed(2)),
		fmt.Sprintf("Total discrepancy: %s.", amount.FormatMoney(in.TotalDiscrepancy)),
	}

	if len(in.TopAccounts) > 0 {
		n := len(in.TopAccounts)
		if n > MaxNamedAccounts {
			n = MaxNamedAccounts
		}
		named := make([]string, 0, n)
		for _, a := range in.TopAccounts[:n] {
			named = append(named, fmt.Sprintf("%s (%s)", a.Address, amount.FormatMoney(a.Discrepancy)))
		}
		lines = append(lines, fmt.Sprintf("Top accounts by discrepancy: %s.", strings.Join(named, ", ")))
	}

	return strings.Join(lines, " ")
}
