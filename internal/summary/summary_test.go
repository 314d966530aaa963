package summary

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGenerate_ZeroTransactions(t *testing.T) {
	text := Generate(Input{})

	assert.Equal(t,
		"Reconciliation run analyzed 0 transactions. 0 transactions (0.00%) showed discrepancies. Total discrepancy: $0.00.",
		text)
}

func TestGenerate_MismatchesWithoutTransactions(t *testing.T) {
	// Mismatches count accounts, so they can exceed a zero transaction count.
	text := Generate(Input{TotalTx: 0, MismatchedTx: 3})
	assert.Contains(t, text, "3 transactions (0.00%)")
}

func TestGenerate_EmptyTopAccountsOmitsClause(t *testing.T) {
	text := Generate(Input{TotalTx: 10, MismatchedTx: 1, TotalDiscrepancy: decimal.NewFromInt(5)})

	assert.NotContains(t, text, "Top accounts")
	assert.True(t, strings.HasSuffix(text, "Total discrepancy: $5.00."))
}

func TestGenerate_FullText(t *testing.T) {
	text := Generate(Input{
		TotalTx:          4,
		MismatchedTx:     1,
		TotalDiscrepancy: decimal.RequireFromString("12.345"),
		TopAccounts: []TopAccount{
			{Address: "0xA", Discrepancy: decimal.RequireFromString("10")},
			{Address: "0xB", Discrepancy: decimal.RequireFromString("-2.345")},
		},
	})

	assert.Equal(t,
		"Reconciliation run analyzed 4 transactions. 1 transactions (25.00%) showed discrepancies. "+
			"Total discrepancy: $12.35. Top accounts by discrepancy: 0xA ($10.00), 0xB ($-2.35).",
		text)
}

func TestGenerate_NamesAtMostThreeAccounts(t *testing.T) {
	var top []TopAccount
	for _, a := range []string{"0x1", "0x2", "0x3", "0x4", "0x5"} {
		top = append(top, TopAccount{Address: a, Discrepancy: decimal.NewFromInt(1)})
	}

	text := Generate(Input{TotalTx: 5, MismatchedTx: 5, TopAccounts: top})

	assert.Contains(t, text, "0x3")
	assert.NotContains(t, text, "0x4")
	assert.NotContains(t, text, "0x5")
}

func TestGenerate_Deterministic(t *testing.T) {
	in := Input{TotalTx: 7, MismatchedTx: 2, TotalDiscrepancy: decimal.NewFromFloat(1.5)}
	assert.Equal(t, Generate(in), Generate(in))
}

func TestMismatchRate(t *testing.T) {
	assert.True(t, MismatchRate(0, 0).IsZero())
	assert.True(t, MismatchRate(0, 9).IsZero())
	assert.Equal(t, "33.33", MismatchRate(3, 1).StringFixed(2))
	assert.Equal(t, "100.00", MismatchRate(2, 2).StringFixed(2))
}
