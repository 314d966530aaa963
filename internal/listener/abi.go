package listener

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/ledgersync/internal/payments"
)

// routerABI declares the events emitted by the payment router contract.
const routerABI = `[
	{"anonymous":false,"type":"event","name":"PaymentInitiated","inputs":[
		{"indexed":true,"name":"paymentId","type":"bytes32"},
		{"indexed":true,"name":"payer","type":"address"},
		{"indexed":true,"name":"payee","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"escrow","type":"bool"},
		{"indexed":false,"name":"offchainRef","type":"string"}]},
	{"anonymous":false,"type":"event","name":"PaymentSettled","inputs":[
		{"indexed":true,"name":"paymentId","type":"bytes32"},
		{"indexed":true,"name":"payer","type":"address"},
		{"indexed":true,"name":"payee","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"PaymentFailed","inputs":[
		{"indexed":true,"name":"paymentId","type":"bytes32"},
		{"indexed":false,"name":"reason","type":"string"}]}
]`

var (
	// ErrUnknownEvent is returned for logs whose first topic is not a router
	// event signature.
	ErrUnknownEvent = errors.New("listener: unknown event signature")
	// ErrMissingPaymentID is returned for router logs without the indexed
	// payment id.
	ErrMissingPaymentID = errors.New("listener: log has no payment id")
)

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		panic(fmt.Sprintf("listener: parse router abi: %v", err))
	}
	return parsed
}

// Topics returns the topic filter matching every router event.
func Topics() [][]common.Hash {
	ids := make([]common.Hash, 0, len(parsedABI.Events))
	for _, name := range []payments.EventType{payments.EventInitiated, payments.EventSettled, payments.EventFailed} {
		ids = append(ids, parsedABI.Events[string(name)].ID)
	}
	return [][]common.Hash{ids}
}

// Observation is a decoded router log ready to be recorded.
type Observation struct {
	Payment *payments.Payment
	Event   *payments.PaymentEvent
	// Amount is the hold amount of an initiation.
	Amount *big.Int
}

// Decode turns a raw log into an observation. Undecodable data fields are
// coerced to their zero values ("0" amounts, empty strings) so a single bad
// log never stops delivery; only a missing payment id is fatal for the log.
func Decode(lg types.Log, chainID int64) (*Observation, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := parsedABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}
	if len(lg.Topics) < 2 {
		return nil, ErrMissingPaymentID
	}

	paymentID := lg.Topics[1].Hex()
	data := map[string]any{}
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(data, lg.Data); err != nil {
		data = map[string]any{}
	}

	txHash := lg.TxHash.Hex()
	block := lg.BlockNumber
	index := lg.Index
	event := &payments.PaymentEvent{
		PaymentHash: paymentID,
		EventType:   payments.EventType(ev.Name),
		TxHash:      &txHash,
		BlockNumber: &block,
		LogIndex:    &index,
		Source:      payments.SourceOnchain,
	}
	p := &payments.Payment{
		PaymentHash: paymentID,
		Currency:    payments.DefaultCurrency,
		TxHash:      &txHash,
		ChainID:     chainID,
	}
	obs := &Observation{Payment: p, Event: event}

	switch event.EventType {
	case payments.EventInitiated:
		amt := bigField(data, "amount")
		ref := stringField(data, "offchainRef")
		p.PayerAddress = topicAddress(lg.Topics, 2)
		p.PayeeAddress = topicAddress(lg.Topics, 3)
		p.Amount = amt
		p.Status = payments.StatusPending
		if ref != "" {
			p.OffchainRef = &ref
		}
		event.Payload = payments.InitiatedPayload{
			PaymentID:   paymentID,
			Payer:       p.PayerAddress,
			Payee:       p.PayeeAddress,
			Amount:      amt.String(),
			Escrow:      boolField(data, "escrow"),
			OffchainRef: ref,
		}
		obs.Amount = amt
	case payments.EventSettled:
		amt := bigField(data, "amount")
		p.PayerAddress = topicAddress(lg.Topics, 2)
		p.PayeeAddress = topicAddress(lg.Topics, 3)
		p.Amount = amt
		p.Status = payments.StatusSettled
		event.Payload = payments.SettledPayload{
			PaymentID: paymentID,
			Payer:     p.PayerAddress,
			Payee:     p.PayeeAddress,
			Amount:    amt.String(),
		}
	case payments.EventFailed:
		p.Status = payments.StatusFailed
		event.Payload = payments.FailedPayload{
			PaymentID: paymentID,
			Reason:    stringField(data, "reason"),
		}
	}
	return obs, nil
}

// topicAddress reads an indexed address; absent topics decode as "".
// Addresses are lowercased so that both ledgers key accounts identically.
func topicAddress(topics []common.Hash, i int) string {
	if i >= len(topics) {
		return ""
	}
	return strings.ToLower(common.BytesToAddress(topics[i].Bytes()).Hex())
}

func bigField(data map[string]any, name string) *big.Int {
	if v, ok := data[name].(*big.Int); ok && v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func stringField(data map[string]any, name string) string {
	s, _ := data[name].(string)
	return s
}

func boolField(data map[string]any, name string) bool {
	b, _ := data[name].(bool)
	return b
}
