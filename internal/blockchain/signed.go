package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

// Codes specific to signed transfers.
const (
	CodeMissingMessage     = "missing_message"
	CodeMessageNonce       = "message_nonce_mismatch"
	CodeMessageRecipient   = "message_recipient_mismatch"
	CodeMessageUnparseable = "message_unparseable"
)

// transferMessage is the JSON document a wallet signs to authorise a
// cross-chain transfer.
type transferMessage struct {
	Nonce     string      `json:"nonce"`
	Amount    json.Number `json:"amount"`
	Recipient string      `json:"recipient"`
	RequestID string      `json:"request_id,omitempty"`
}

// SignedTransferVerifier accepts transfers on chains without a queryable RPC
// by checking an EIP-191 personal signature over the transfer message.
type SignedTransferVerifier struct {
	logger *logger.Logger

	network      string
	recipient    string
	explorerBase string
}

func NewSignedTransferVerifier(cfg models.PaymentConfig, logger *logger.Logger) *SignedTransferVerifier {
	return &SignedTransferVerifier{
		logger:       logger,
		network:      cfg.Network,
		recipient:    cfg.Recipient,
		explorerBase: cfg.ExplorerBaseURL,
	}
}

func (s *SignedTransferVerifier) ExplorerURL(ref string) string {
	return ExplorerURL(s.explorerBase, s.network, ref)
}

func (s *SignedTransferVerifier) VerifyTransfer(_ context.Context, req models.TransferRequest) (*models.Verification, error) {
	if req.Signature == "" || req.Message == "" {
		return failure(CodeMissingMessage, "Signed transfer is missing its signature or message", nil), nil
	}

	signer, err := RecoverPersonalSigner(req.Message, req.Signature)
	if err != nil {
		return failure(x402.CodeInvalidSignature, "Signature verification failed", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}
	if req.SenderAddress != "" && !validation.SameAddress(validation.ChainEVM, signer, req.SenderAddress) {
		return failure(x402.CodeInvalidSignature, "Signature does not belong to the sender address", map[string]interface{}{
			"sender": req.SenderAddress,
			"signer": signer,
		}), nil
	}

	var msg transferMessage
	dec := json.NewDecoder(bytes.NewReader([]byte(req.Message)))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return failure(CodeMessageUnparseable, "Signed message is not a transfer document", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}

	if msg.Nonce != req.Nonce {
		return failure(CodeMessageNonce, "Nonce in signed message does not match invoice", map[string]interface{}{
			"expected": req.Nonce,
			"signed":   msg.Nonce,
		}), nil
	}

	expectedRecipient := req.Recipient
	if expectedRecipient == "" {
		expectedRecipient = s.recipient
	}
	if msg.Recipient != "" && expectedRecipient != "" && !strings.EqualFold(msg.Recipient, expectedRecipient) {
		return failure(CodeMessageRecipient, "Recipient in signed message does not match expected recipient", map[string]interface{}{
			"expected": expectedRecipient,
			"signed":   msg.Recipient,
		}), nil
	}

	amount, err := decimal.NewFromString(msg.Amount.String())
	if err != nil {
		return failure(CodeMessageUnparseable, "Amount in signed message is not a number", nil), nil
	}
	if amount.LessThan(req.Amount) {
		return insufficient(ToBaseUnits(req.Amount, req.Decimals), ToBaseUnits(amount, req.Decimals)), nil
	}

	if req.ExpectedPayer != "" && !validation.SameAddress(validation.ChainEVM, signer, req.ExpectedPayer) {
		return failure(x402.CodePayerMismatch, "Signer does not match the paying wallet", map[string]interface{}{
			"expected": req.ExpectedPayer,
			"payer":    signer,
		}), nil
	}

	matched := true
	return &models.Verification{
		OK:          true,
		Payer:       signer,
		AmountRaw:   ToBaseUnits(amount, req.Decimals),
		ExplorerURL: s.ExplorerURL(req.TxReference),
		MemoMatched: &matched,
		Method:      "signed_transfer",
	}, nil
}

// RecoverPersonalSigner returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
