package x402

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedProof is returned for payment headers that cannot be decoded.
var ErrMalformedProof = errors.New("x402: malformed payment proof")

// ProofKind is the protocol tag that prefixes a payment header.
type ProofKind string

const (
	// ProofOnChain is a plain on-chain transfer reference.
	ProofOnChain ProofKind = "x402"
	// ProofSignedTransfer is a cross-chain transfer authorised by a signed message.
	ProofSignedTransfer ProofKind = "x402-linera-transfer"
	// ProofPrepaid spends pre-purchased call credits instead of paying on chain.
	ProofPrepaid ProofKind = "prepaid"
)

// PrepaidReference is the tx reference recorded for prepaid settlements.
const PrepaidReference = "PREPAID_CREDITS"

// Proof is a decoded X-PAYMENT header.
type Proof struct {
	Kind        ProofKind
	Network     string
	TxReference string
	Amount      decimal.Decimal
	Nonce       string
	Memo        string

	// Signed transfer fields.
	Signature     string
	Message       string
	SenderChainID string
	SenderAddress string
	Timestamp     string

	// Prepaid fields.
	Model     string
	Remaining int64
}

// IsPrepaid reports whether the proof spends call credits.
func (p *Proof) IsPrepaid() bool { return p != nil && p.Kind == ProofPrepaid }

// Reference returns the settlement reference recorded against an invoice.
func (p *Proof) Reference() string {
	switch {
	case p == nil:
		return ""
	case p.Kind == ProofPrepaid:
		return PrepaidReference
	case p.TxReference != "":
		return p.TxReference
	case p.Kind == ProofSignedTransfer && p.Signature != "":
		sig := strings.TrimPrefix(p.Signature, "0x")
		if len(sig) > 32 {
			sig = sig[:32]
		}
		return "linera-signed:" + p.SenderChainID + ":" + sig
	case p.Kind == ProofSignedTransfer:
		return "linera-tx:" + p.SenderChainID + ":" + p.Timestamp
	}
	return ""
}

// ParseProof decodes a payment header. An empty header yields (nil, nil).
func ParseProof(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	scheme, rest, _ := strings.Cut(header, " ")
	p := &Proof{Kind: ProofKind(scheme)}
	switch p.Kind {
	case ProofOnChain:
		network, params, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if network == "" || strings.Contains(network, "=") {
			return nil, fmt.Errorf("%w: missing network", ErrMalformedProof)
		}
		p.Network = network
		rest = params
	case ProofSignedTransfer, ProofPrepaid:
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrMalformedProof, scheme)
	}

	fields := parseParams(rest)
	p.TxReference = fields["tx"]
	p.Nonce = fields["nonce"]
	p.Memo = fields["memo"]
	p.Signature = fields["signature"]
	p.SenderChainID = fields["sender_chain_id"]
	p.SenderAddress = fields["sender_address"]
	p.Timestamp = fields["timestamp"]
	p.Model = fields["model"]
	if msg := fields["message"]; msg != "" {
		decoded, err := url.QueryUnescape(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformedProof, err)
		}
		p.Message = decoded
	}

	if p.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformedProof)
	}

	switch p.Kind {
	case ProofPrepaid:
		if p.Model == "" {
			return nil, fmt.Errorf("%w: missing model", ErrMalformedProof)
		}
		if r := fields["remaining"]; r != "" {
			n, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: remaining: %v", ErrMalformedProof, err)
			}
			p.Remaining = n
		}
		return p, nil
	case ProofOnChain:
		if p.TxReference == "" {
			return nil, fmt.Errorf("%w: missing tx", ErrMalformedProof)
		}
	case ProofSignedTransfer:
		if p.SenderChainID == "" {
			return nil, fmt.Errorf("%w: missing sender_chain_id", ErrMalformedProof)
		}
	}

	amount, err := decimal.NewFromString(fields["amount"])
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrMalformedProof, err)
	}
	p.Amount = amount
	return p, nil
}

// String encodes the proof as an X-PAYMENT header value.
func (p *Proof) String() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	b.WriteByte(' ')

	var params []string
	add := func(k, v string) {
		if v != "" {
			params = append(params, k+"="+v)
		}
	}
	switch p.Kind {
	case ProofPrepaid:
		add("model", p.Model)
		add("remaining", strconv.FormatInt(p.Remaining, 10))
		add("nonce", p.Nonce)
	case ProofSignedTransfer:
		add("sender_chain_id", p.SenderChainID)
		add("sender_address", p.SenderAddress)
		add("amount", p.Amount.String())
		add("nonce", p.Nonce)
		add("timestamp", p.Timestamp)
		add("signature", p.Signature)
		if p.Message != "" {
			add("message", url.QueryEscape(p.Message))
		}
		add("tx", p.TxReference)
		add("memo", p.Memo)
	default:
		b.WriteString(p.Network)
		b.WriteByte(' ')
		add("tx", p.TxReference)
		add("amount", p.Amount.String())
		add("nonce", p.Nonce)
		add("memo", p.Memo)
		add("signature", p.Signature)
		add("sender_chain_id", p.SenderChainID)
	}
	b.WriteString(strings.Join(params, "; "))
	return b.String()
}

func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
