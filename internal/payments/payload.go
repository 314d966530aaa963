package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EventType tags a payment event and selects its payload variant.
type EventType string

const (
	EventInitiated EventType = "PaymentInitiated"
	EventSettled   EventType = "PaymentSettled"
	EventFailed    EventType = "PaymentFailed"
)

// Payload is the typed body of a payment event. Every field is carried as a
// string so that amounts above 2^53 survive any JSON consumer.
type Payload interface {
	EventType() EventType
	PaymentRef() string
	Fields() map[string]string
	Description() string
}

// InitiatedPayload is the body of PaymentInitiated.
type InitiatedPayload struct {
	PaymentID   string `json:"paymentId"`
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	Amount      string `json:"amount"`
	Escrow      bool   `json:"escrow,string"`
	OffchainRef string `json:"offchainRef"`
}

func (p InitiatedPayload) EventType() EventType { return EventInitiated }
func (p InitiatedPayload) PaymentRef() string   { return p.PaymentID }

func (p InitiatedPayload) Fields() map[string]string {
	return map[string]string{
		"paymentId":   p.PaymentID,
		"payer":       p.Payer,
		"payee":       p.Payee,
		"amount":      p.Amount,
		"escrow":      strconv.FormatBool(p.Escrow),
		"offchainRef": p.OffchainRef,
	}
}

func (p InitiatedPayload) Description() string {
	return fmt.Sprintf("Payment %s initiated by %s → %s for %s.", p.PaymentID, orUnknown(p.Payer), orUnknown(p.Payee), orUnknown(p.Amount))
}

// SettledPayload is the body of PaymentSettled.
type SettledPayload struct {
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Amount    string `json:"amount"`
}

func (p SettledPayload) EventType() EventType { return EventSettled }
func (p SettledPayload) PaymentRef() string   { return p.PaymentID }

func (p SettledPayload) Fields() map[string]string {
	return map[string]string{
		"paymentId": p.PaymentID,
		"payer":     p.Payer,
		"payee":     p.Payee,
		"amount":    p.Amount,
	}
}

func (p SettledPayload) Description() string {
	return fmt.Sprintf("Payment %s settled on-chain.", p.PaymentID)
}

// FailedPayload is the body of PaymentFailed.
type FailedPayload struct {
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

func (p FailedPayload) EventType() EventType { return EventFailed }
func (p FailedPayload) PaymentRef() string   { return p.PaymentID }

func (p FailedPayload) Fields() map[string]string {
	return map[string]string{
		"paymentId": p.PaymentID,
		"reason":    p.Reason,
	}
}

func (p FailedPayload) Description() string {
	reason := p.Reason
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("Payment %s failed: %s.", p.PaymentID, reason)
}

// UnknownPayload keeps events of unrecognised types (or undecodable bodies)
// verbatim.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (p UnknownPayload) EventType() EventType { return p.Type }

func (p UnknownPayload) PaymentRef() string {
	var probe struct {
		PaymentID string `json:"paymentId"`
	}
	_ = json.Unmarshal(p.Raw, &probe)
	return probe.PaymentID
}

func (p UnknownPayload) Fields() map[string]string {
	var generic map[string]any
	out := map[string]string{}
	if err := json.Unmarshal(p.Raw, &generic); err != nil {
		return out
	}
	for k, v := range generic {
		out[k] = coerceString(v)
	}
	return out
}

func (p UnknownPayload) Description() string {
	var probe struct {
		Description string `json:"description"`
	}
	if json.Unmarshal(p.Raw, &probe) == nil && probe.Description != "" {
		return probe.Description
	}
	return string(p.Type)
}

// MarshalJSON emits the raw body unchanged.
func (p UnknownPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}

// DecodePayload selects the variant for eventType. Bodies that do not
// decode into their variant fall back to UnknownPayload rather than failing.
func DecodePayload(eventType EventType, raw []byte) Payload {
	switch eventType {
	case EventInitiated:
		var p InitiatedPayload
		if err := json.Unmarshal(raw, &p); err == nil {
			return p
		}
	case EventSettled:
		var p SettledPayload
		if err := json.Unmarshal(raw, &p); err == nil {
			return p
		}
	case EventFailed:
		var p FailedPayload
		if err := json.Unmarshal(raw, &p); err == nil {
			return p
		}
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return UnknownPayload{Type: eventType, Raw: cp}
}

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}
