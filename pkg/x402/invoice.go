package x402

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FailureModes are human-readable hints describing how a payment can fail.
type FailureModes struct {
	Timeout   string `json:"timeout"`
	Underpaid string `json:"underpaid"`
	Duplicate string `json:"duplicate"`
}

// DefaultFailureModes is rendered into every payment-required body.
var DefaultFailureModes = FailureModes{
	Timeout:   "Invoice expired, request a new 402",
	Underpaid: "Amount less than invoice, please top-up or downgrade",
	Duplicate: "Duplicate payment detected, flagged as orphan_payment",
}

// Invoice is the payment-required body. Endpoint-specific fields (auto router
// selection, workflow progress, timeout reason) travel in Extras and are
// flattened into the JSON object.
type Invoice struct {
	Status           string       `json:"status"`
	RequestID        string       `json:"request_id"`
	Nonce            string       `json:"nonce"`
	AmountUSDC       float64      `json:"amount_usdc"`
	Currency         string       `json:"currency"`
	Recipient        string       `json:"recipient"`
	Network          string       `json:"network"`
	NetworkName      string       `json:"network_name,omitempty"`
	Mint             string       `json:"mint"`
	ExpiresAt        time.Time    `json:"expires_at"`
	Memo             string       `json:"memo"`
	Description      string       `json:"description"`
	Decimals         int          `json:"decimals"`
	RPCEndpoint      string       `json:"rpc_endpoint"`
	ExplorerBaseURL  string       `json:"explorer_base_url"`
	PaymentURL       string       `json:"payment_url,omitempty"`
	FaucetURL        string       `json:"faucet_url,omitempty"`
	RecipientChainID string       `json:"recipient_chain_id,omitempty"`
	FailureModes     FailureModes `json:"failure_modes"`

	Extras map[string]any `json:"-"`
}

type invoiceFields Invoice

var invoiceKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeOf(invoiceFields{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}()

// MarshalJSON flattens Extras into the invoice object. Extras win over base
// fields of the same name.
func (inv Invoice) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(invoiceFields(inv))
	if err != nil {
		return nil, err
	}
	if len(inv.Extras) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(invoiceKeys)+len(inv.Extras))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range inv.Extras {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal invoice extra %q: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and keeps everything else in Extras.
func (inv *Invoice) UnmarshalJSON(data []byte) error {
	var fields invoiceFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*inv = Invoice(fields)
	for k, raw := range all {
		if _, known := invoiceKeys[k]; known {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("failed to decode invoice extra %q: %w", k, err)
		}
		if inv.Extras == nil {
			inv.Extras = make(map[string]any)
		}
		inv.Extras[k] = v
	}
	return nil
}

// Extra returns a string-valued extra, or "" when absent.
func (inv *Invoice) Extra(key string) string {
	if inv == nil || inv.Extras == nil {
		return ""
	}
	s, _ := inv.Extras[key].(string)
	return s
}
