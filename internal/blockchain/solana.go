package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

var (
	memoProgramV1 = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
	memoProgramV2 = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	memoLogPattern = regexp.MustCompile(`Memo \(len \d+\): "(.*)"`)
)

// DefaultSolanaTiers reads at confirmed first, then waits for finalized.
var DefaultSolanaTiers = []Tier{
	{Name: string(rpc.CommitmentConfirmed), Attempts: 6, Delay: time.Second},
	{Name: string(rpc.CommitmentFinalized), Attempts: 12, Delay: time.Second},
}

// SolanaRPC is the subset of the Solana JSON-RPC client the verifier uses.
type SolanaRPC interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaVerifier checks SPL token transfers.
type SolanaVerifier struct {
	logger *logger.Logger
	client SolanaRPC

	network      string
	rpcURL       string
	explorerBase string
	tiers        []Tier
}

func NewSolanaVerifier(cfg models.PaymentConfig, logger *logger.Logger) *SolanaVerifier {
	return NewSolanaVerifierWithClient(rpc.New(cfg.RPCURL), cfg, logger)
}

func NewSolanaVerifierWithClient(client SolanaRPC, cfg models.PaymentConfig, logger *logger.Logger) *SolanaVerifier {
	return &SolanaVerifier{
		logger:       logger,
		client:       client,
		network:      cfg.Network,
		rpcURL:       cfg.RPCURL,
		explorerBase: cfg.ExplorerBaseURL,
		tiers:        DefaultSolanaTiers,
	}
}

// SetTiers overrides the lookup schedule.
func (s *SolanaVerifier) SetTiers(tiers []Tier) { s.tiers = tiers }

func (s *SolanaVerifier) ExplorerURL(ref string) string {
	return ExplorerURL(s.explorerBase, s.network, ref)
}

func (s *SolanaVerifier) VerifyTransfer(ctx context.Context, req models.TransferRequest) (*models.Verification, error) {
	mint, err := solana.PublicKeyFromBase58(req.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mint %q: %w", req.Mint, err)
	}
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient %q: %w", req.Recipient, err)
	}

	sig, err := solana.SignatureFromBase58(req.TxReference)
	if err != nil {
		return failure(x402.CodeInvalidReference, "Transaction reference is not a Solana signature", map[string]interface{}{
			"signature": req.TxReference,
		}), nil
	}

	maxVersion := uint64(0)
	out, found, lastErr := resolve(ctx, s.tiers, func(ctx context.Context, tier Tier) (*rpc.GetTransactionResult, bool, error) {
		res, err := s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentType(tier.Name),
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			s.logger.Debug("Solana transaction lookup failed", "signature", req.TxReference, "commitment", tier.Name, "error", err)
			return nil, false, err
		}
		return res, res != nil && res.Meta != nil && res.Transaction != nil, nil
	})
	explorer := s.ExplorerURL(req.TxReference)
	if !found {
		return notFound(req.TxReference, s.rpcURL, s.network, explorer, lastErr), nil
	}

	if out.Meta.Err != nil {
		return failure(x402.CodeTxFailed, "Transaction failed on chain", map[string]interface{}{
			"signature": req.TxReference,
			"error":     fmt.Sprint(out.Meta.Err),
		}), nil
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return failure(x402.CodeInvalidReference, "Transaction could not be decoded", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}

	memoMatched := memoResult(req.Memo, solanaMemos(tx, out.Meta.LogMessages))
	if memoMatched != nil && !*memoMatched {
		if req.EnforceMemo {
			return failure(x402.CodeMemoMismatch, "Transaction memo does not match the invoice", map[string]interface{}{
				"expected": req.Memo,
			}), nil
		}
		s.logger.Warn("Solana transfer memo mismatch", "signature", req.TxReference, "expected", req.Memo)
	}

	received, ok := recipientDelta(out.Meta, mint, recipient)
	if !ok {
		return failure(x402.CodeRecipientAccountMissing, "Recipient token account not found in transaction", map[string]interface{}{
			"recipient": req.Recipient,
			"mint":      req.Mint,
		}), nil
	}
	expected := ToBaseUnits(req.Amount, req.Decimals)
	if received.Cmp(expected) < 0 {
		return insufficient(expected, received), nil
	}

	var payer string
	if len(tx.Message.AccountKeys) > 0 {
		payer = tx.Message.AccountKeys[0].String()
	}
	if req.ExpectedPayer != "" && payer != "" && !validation.SameAddress(validation.ChainSolana, payer, req.ExpectedPayer) {
		return failure(x402.CodePayerMismatch, "Transaction payer does not match the paying wallet", map[string]interface{}{
			"expected": req.ExpectedPayer,
			"payer":    payer,
		}), nil
	}

	v := &models.Verification{
		OK:          true,
		Payer:       payer,
		AmountRaw:   received,
		ExplorerURL: explorer,
		MemoMatched: memoMatched,
		Slot:        out.Slot,
		Method:      "solana_spl_transfer",
	}
	if out.BlockTime != nil {
		v.BlockTime = out.BlockTime.Time().UTC()
	}
	return v, nil
}

// recipientDelta returns post minus pre balance of the recipient's token
// account for mint. ok is false when the recipient holds no such account in
// the transaction.
func recipientDelta(meta *rpc.TransactionMeta, mint, owner solana.PublicKey) (*big.Int, bool) {
	var (
		post  *big.Int
		index uint16
	)
	for _, b := range meta.PostTokenBalances {
		if b.Mint.Equals(mint) && b.Owner != nil && b.Owner.Equals(owner) && b.UiTokenAmount != nil {
			amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
			if !ok {
				continue
			}
			post, index = amount, b.AccountIndex
			break
		}
	}
	if post == nil {
		return nil, false
	}

	pre := big.NewInt(0)
	for _, b := range meta.PreTokenBalances {
		if b.AccountIndex == index && b.Mint.Equals(mint) && b.UiTokenAmount != nil {
			if amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
				pre = amount
			}
			break
		}
	}
	return new(big.Int).Sub(post, pre), true
}

func solanaMemos(tx *solana.Transaction, logs []string) []string {
	var memos []string
	keys := tx.Message.AccountKeys
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			continue
		}
		program := keys[inst.ProgramIDIndex]
		if program.Equals(memoProgramV1) || program.Equals(memoProgramV2) {
			memos = append(memos, string(inst.Data))
		}
	}
	for _, line := range logs {
		if m := memoLogPattern.FindStringSubmatch(line); m != nil {
			memos = append(memos, m[1])
		}
	}
	return memos
}
