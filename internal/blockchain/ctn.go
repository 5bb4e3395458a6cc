package blockchain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/core-coin/go-core/v2/common"
)

// Core token method selectors. Core hashes with SHA3, so these differ from
// their Ethereum counterparts.
var (
	// transfer(address,uint256)
	selectorTransfer = mustSelector("4b40e901")
	// batchTransfer(address[],uint256[])
	selectorBatchTransfer = mustSelector("e86e7c5f")
	// transferFrom(address,address,uint256)
	selectorTransferFrom = mustSelector("31f2e679")
)

const wordLen = 32

// Transfer is one token movement decoded from calldata.
type Transfer struct {
	From   string
	To     string
	Amount *big.Int
}

// decodeCTNTransfers decodes token transfers from calldata sent by sender.
// trailing holds any bytes after the ABI arguments, where wallets put memos.
func decodeCTNTransfers(sender common.Address, data []byte) (transfers []*Transfer, trailing []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	selector, args := data[:4], data[4:]

	switch {
	case bytes.Equal(selector, selectorTransfer):
		if len(args) < 2*wordLen {
			return nil, nil, fmt.Errorf("transfer calldata too short")
		}
		return []*Transfer{{
			From:   sender.Hex(),
			To:     wordAddress(args, 0).Hex(),
			Amount: wordInt(args, 1),
		}}, args[2*wordLen:], nil

	case bytes.Equal(selector, selectorTransferFrom):
		if len(args) < 3*wordLen {
			return nil, nil, fmt.Errorf("transferFrom calldata too short")
		}
		return []*Transfer{{
			From:   wordAddress(args, 0).Hex(),
			To:     wordAddress(args, 1).Hex(),
			Amount: wordInt(args, 2),
		}}, args[3*wordLen:], nil

	case bytes.Equal(selector, selectorBatchTransfer):
		recipients, err := wordArray(args, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("batchTransfer recipients: %w", err)
		}
		amounts, err := wordArray(args, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("batchTransfer amounts: %w", err)
		}
		if len(recipients) != len(amounts) {
			return nil, nil, fmt.Errorf("batchTransfer length mismatch: %d recipients, %d amounts", len(recipients), len(amounts))
		}
		for i := range recipients {
			transfers = append(transfers, &Transfer{
				From:   sender.Hex(),
				To:     common.BytesToAddress(recipients[i][wordLen-common.AddressLength:]).Hex(),
				Amount: new(big.Int).SetBytes(amounts[i]),
			})
		}
		return transfers, nil, nil
	}
	return nil, nil, fmt.Errorf("not a token transfer: selector %x", selector)
}

func wordAddress(args []byte, i int) common.Address {
	word := args[i*wordLen : (i+1)*wordLen]
	return common.BytesToAddress(word[wordLen-common.AddressLength:])
}

func wordInt(args []byte, i int) *big.Int {
	return new(big.Int).SetBytes(args[i*wordLen : (i+1)*wordLen])
}

// wordArray reads the dynamic array whose offset is stored in head word i.
func wordArray(args []byte, i int) ([][]byte, error) {
	if len(args) < (i+1)*wordLen {
		return nil, fmt.Errorf("missing offset word")
	}
	offset := wordInt(args, i)
	if !offset.IsInt64() || offset.Int64()+wordLen > int64(len(args)) {
		return nil, fmt.Errorf("offset out of range")
	}
	start := int(offset.Int64())
	n := new(big.Int).SetBytes(args[start : start+wordLen])
	if !n.IsInt64() || int64(start+wordLen)+n.Int64()*wordLen > int64(len(args)) {
		return nil, fmt.Errorf("length out of range")
	}
	out := make([][]byte, n.Int64())
	for k := range out {
		from := start + wordLen + k*wordLen
		out[k] = args[from : from+wordLen]
	}
	return out, nil
}

func mustSelector(s string) []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 4 {
		panic("invalid selector " + s)
	}
	return b
}
