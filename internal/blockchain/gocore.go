package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	core "github.com/core-coin/go-core/v2"
	"github.com/core-coin/go-core/v2/common"
	"github.com/core-coin/go-core/v2/core/types"
	"github.com/core-coin/go-core/v2/xcbclient"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

var coreHashPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// DefaultCoreTiers follows Core's ~7s block time.
var DefaultCoreTiers = []Tier{
	{Name: "fast", Attempts: 4, Delay: 2 * time.Second},
	{Name: "slow", Attempts: 8, Delay: 7 * time.Second},
}

// CoreClient is the subset of xcbclient the verifier uses.
type CoreClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Gocore verifies CBC-20 token transfers on Core Blockchain.
type Gocore struct {
	logger *logger.Logger
	apiURL string

	mu     sync.RWMutex
	client CoreClient
	closer func()

	networkID    *big.Int
	network      string
	explorerBase string
	tiers        []Tier
}

// NewGocore creates a new Gocore instance. Call ConnectToRPC before use.
func NewGocore(cfg models.PaymentConfig, logger *logger.Logger) *Gocore {
	return &Gocore{
		logger:       logger,
		apiURL:       cfg.RPCURL,
		networkID:    big.NewInt(cfg.CoreNetworkID),
		network:      cfg.Network,
		explorerBase: cfg.ExplorerBaseURL,
		tiers:        DefaultCoreTiers,
	}
}

// NewGocoreWithClient wires an existing client, used by tests.
func NewGocoreWithClient(client CoreClient, cfg models.PaymentConfig, logger *logger.Logger) *Gocore {
	g := NewGocore(cfg, logger)
	g.client = client
	return g
}

func (g *Gocore) ConnectToRPC() error {
	client, err := xcbclient.Dial(g.apiURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	g.mu.Lock()
	g.client = client
	g.closer = client.Close
	g.mu.Unlock()
	return nil
}

func (g *Gocore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closer != nil {
		g.closer()
		g.closer = nil
	}
	return nil
}

// SetTiers overrides the lookup schedule.
func (g *Gocore) SetTiers(tiers []Tier) { g.tiers = tiers }

func (g *Gocore) ExplorerURL(ref string) string {
	return ExplorerURL(g.explorerBase, g.network, ref)
}

func (g *Gocore) rpc() (CoreClient, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.client == nil {
		return nil, errors.New("core RPC client is not connected")
	}
	return g.client, nil
}

func (g *Gocore) VerifyTransfer(ctx context.Context, req models.TransferRequest) (*models.Verification, error) {
	client, err := g.rpc()
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateAddress(validation.ChainCore, req.Mint); err != nil {
		return nil, fmt.Errorf("failed to parse Core token contract address: %w", err)
	}
	if !coreHashPattern.MatchString(req.TxReference) {
		return failure(x402.CodeInvalidReference, "Transaction reference is not a transaction hash", map[string]interface{}{
			"tx": req.TxReference,
		}), nil
	}
	hash := common.HexToHash(req.TxReference)

	receipt, found, lastErr := resolve(ctx, g.tiers, func(ctx context.Context, tier Tier) (*types.Receipt, bool, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		r, err := client.TransactionReceipt(ctx, hash)
		if errors.Is(err, core.NotFound) {
			return nil, false, nil
		}
		if err != nil {
			g.logger.Debug("Core receipt lookup failed", "tx", req.TxReference, "tier", tier.Name, "error", err)
			return nil, false, err
		}
		return r, r != nil, nil
	})
	explorer := g.ExplorerURL(req.TxReference)
	if !found {
		return notFound(req.TxReference, g.apiURL, g.network, explorer, lastErr), nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return failure(x402.CodeTxFailed, "Transaction failed on chain", map[string]interface{}{
			"tx": req.TxReference,
		}), nil
	}

	tx, _, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		return failure(x402.CodeRPCError, "Transaction body could not be loaded", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}
	if tx.To() == nil || !validation.SameAddress(validation.ChainCore, tx.To().Hex(), req.Mint) {
		return failure(x402.CodeRecipientAccountMissing, "Transaction is not a call to the settlement token", map[string]interface{}{
			"token": req.Mint,
		}), nil
	}

	signer := types.NewNucleusSigner(g.networkID)
	sender, err := signer.Sender(tx)
	if err != nil {
		return failure(x402.CodeInvalidReference, "Transaction sender could not be recovered", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}

	transfers, trailing, err := decodeCTNTransfers(sender, tx.Data())
	if err != nil {
		return failure(x402.CodeRecipientAccountMissing, "Transaction does not transfer the settlement token", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}

	received := big.NewInt(0)
	var payer string
	for _, t := range transfers {
		if validation.SameAddress(validation.ChainCore, t.To, req.Recipient) {
			received.Add(received, t.Amount)
			payer = t.From
		}
	}
	if payer == "" {
		return failure(x402.CodeRecipientAccountMissing, "No token transfer to the recipient in transaction", map[string]interface{}{
			"recipient": req.Recipient,
		}), nil
	}
	expected := ToBaseUnits(req.Amount, req.Decimals)
	if received.Cmp(expected) < 0 {
		return insufficient(expected, received), nil
	}

	var memos []string
	if memo := strings.TrimRight(string(trailing), "\x00"); memo != "" {
		memos = append(memos, memo)
	}
	memoMatched := memoResult(req.Memo, memos)
	if memoMatched != nil && !*memoMatched {
		if req.EnforceMemo {
			return failure(x402.CodeMemoMismatch, "Transaction memo does not match the invoice", map[string]interface{}{
				"expected": req.Memo,
			}), nil
		}
		g.logger.Warn("Core transfer memo mismatch", "tx", req.TxReference, "expected", req.Memo)
	}

	if req.ExpectedPayer != "" && !validation.SameAddress(validation.ChainCore, payer, req.ExpectedPayer) {
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
		Method:      "ctn_transfer",
	}
	if receipt.BlockNumber != nil {
		v.Slot = receipt.BlockNumber.Uint64()
	}
	return v, nil
}
