package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

var (
	erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	evmHashPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// DefaultEVMTiers polls quickly right after submission, then backs off while
// the transaction waits for inclusion.
var DefaultEVMTiers = []Tier{
	{Name: "fast", Attempts: 6, Delay: time.Second},
	{Name: "slow", Attempts: 12, Delay: 2 * time.Second},
}

// EVMClient is the subset of ethclient the verifier uses.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// EVMVerifier checks ERC-20 transfers through receipts and Transfer logs.
type EVMVerifier struct {
	logger *logger.Logger
	client EVMClient

	chainID      *big.Int
	network      string
	rpcURL       string
	explorerBase string
	tiers        []Tier
}

func NewEVMVerifier(ctx context.Context, cfg models.PaymentConfig, logger *logger.Logger) (*EVMVerifier, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the EVM RPC server: %w", err)
	}
	return NewEVMVerifierWithClient(client, cfg, logger), nil
}

func NewEVMVerifierWithClient(client EVMClient, cfg models.PaymentConfig, logger *logger.Logger) *EVMVerifier {
	return &EVMVerifier{
		logger:       logger,
		client:       client,
		chainID:      big.NewInt(cfg.EVMChainID),
		network:      cfg.Network,
		rpcURL:       cfg.RPCURL,
		explorerBase: cfg.ExplorerBaseURL,
		tiers:        DefaultEVMTiers,
	}
}

// SetTiers overrides the lookup schedule.
func (e *EVMVerifier) SetTiers(tiers []Tier) { e.tiers = tiers }

func (e *EVMVerifier) ExplorerURL(ref string) string {
	return ExplorerURL(e.explorerBase, e.network, ref)
}

func (e *EVMVerifier) VerifyTransfer(ctx context.Context, req models.TransferRequest) (*models.Verification, error) {
	if !common.IsHexAddress(req.Mint) {
		return nil, fmt.Errorf("failed to parse token contract %q", req.Mint)
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, fmt.Errorf("failed to parse recipient %q", req.Recipient)
	}
	if !evmHashPattern.MatchString(req.TxReference) {
		return failure(x402.CodeInvalidReference, "Transaction reference is not a transaction hash", map[string]interface{}{
			"tx": req.TxReference,
		}), nil
	}
	hash := common.HexToHash(req.TxReference)
	token := common.HexToAddress(req.Mint)
	recipient := common.HexToAddress(req.Recipient)

	receipt, found, lastErr := resolve(ctx, e.tiers, func(ctx context.Context, tier Tier) (*types.Receipt, bool, error) {
		r, err := e.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		if err != nil {
			e.logger.Debug("EVM receipt lookup failed", "tx", req.TxReference, "tier", tier.Name, "error", err)
			return nil, false, err
		}
		return r, r != nil, nil
	})
	explorer := e.ExplorerURL(req.TxReference)
	if !found {
		return notFound(req.TxReference, e.rpcURL, e.network, explorer, lastErr), nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return failure(x402.CodeTxFailed, "Transaction reverted", map[string]interface{}{
			"tx": req.TxReference,
		}), nil
	}

	received := big.NewInt(0)
	matchedLogs := 0
	for _, l := range receipt.Logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != erc20TransferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		received.Add(received, new(big.Int).SetBytes(l.Data))
		matchedLogs++
	}
	if matchedLogs == 0 {
		return failure(x402.CodeRecipientAccountMissing, "No token transfer to the recipient in transaction", map[string]interface{}{
			"recipient": req.Recipient,
			"token":     req.Mint,
		}), nil
	}
	expected := ToBaseUnits(req.Amount, req.Decimals)
	if received.Cmp(expected) < 0 {
		return insufficient(expected, received), nil
	}

	var (
		payer string
		memos []string
	)
	tx, _, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		e.logger.Warn("Could not load EVM transaction for payer check", "tx", req.TxReference, "error", err)
	} else {
		if from, err := types.Sender(types.LatestSignerForChainID(e.chainID), tx); err == nil {
			payer = from.Hex()
		}
		memos = evmMemos(tx.Data())
	}

	memoMatched := memoResult(req.Memo, memos)
	if memoMatched != nil && !*memoMatched {
		if req.EnforceMemo {
			return failure(x402.CodeMemoMismatch, "Transaction memo does not match the invoice", map[string]interface{}{
				"expected": req.Memo,
			}), nil
		}
		e.logger.Warn("EVM transfer memo mismatch", "tx", req.TxReference, "expected", req.Memo)
	}

	if req.ExpectedPayer != "" && payer != "" && !validation.SameAddress(validation.ChainEVM, payer, req.ExpectedPayer) {
		return failure(x402.CodePayerMismatch, "Transaction sender does not match the paying wallet", map[string]interface{}{
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
		Method:      "erc20_transfer",
	}
	if receipt.BlockNumber != nil {
		v.Slot = receipt.BlockNumber.Uint64()
	}
	return v, nil
}

// evmMemos reads a memo appended after the arguments of an ERC-20
// transfer(address,uint256) call.
func evmMemos(data []byte) []string {
	const transferCallLen = 4 + 32 + 32
	if len(data) <= transferCallLen {
		return nil
	}
	memo := strings.TrimRight(string(data[transferCallLen:]), "\x00")
	if memo == "" {
		return nil
	}
	return []string{memo}
}
