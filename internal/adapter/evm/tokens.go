package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var (
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	erc20         = mustParseABI(erc20ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// tokenTransfers turns ERC-20 Transfer logs into debit/credit pairs. Mints and
// burns use the void as counterparty. ERC-721 transfers index the token id as
// a fourth topic and are skipped.
func tokenTransfers(txID string, logs []*types.Log, primary uint64) []ledger.Fragment {
	var out []ledger.Fragment
	for _, l := range logs {
		if len(l.Topics) != 3 || l.Topics[0] != transferTopic || len(l.Data) != 32 {
			continue
		}
		amount := new(big.Int).SetBytes(l.Data)
		if amount.Sign() == 0 {
			continue
		}

		from := partyAddress(common.BytesToAddress(l.Topics[1].Bytes()))
		to := partyAddress(common.BytesToAddress(l.Topics[2].Bytes()))

		pair := ledger.TransferAt(txID, from, to, amount, primary, adapter.TokenDebit, uint32(l.Index))
		for i := range pair {
			pair[i].Currency = l.Address.Hex()
			pair[i].ExtraIndexed = fmt.Sprintf("log:%d", l.Index)
		}
		out = append(out, pair[:]...)
	}
	return out
}

func partyAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return ledger.VoidAddress
	}
	return addr.Hex()
}

// describeRetry is how long a descriptor with unreadable fields is served
// before the token is read again.
const describeRetry = 10 * time.Minute

type cachedToken struct {
	currency ledger.Currency
	// expires is zero for descriptors read in full.
	expires time.Time
}

// tokenCache remembers currency descriptors per contract.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[common.Address]cachedToken
	now    func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[common.Address]cachedToken), now: time.Now}
}

// describe returns the token's descriptor, reading name, symbol and decimals
// through eth_call on first use. Non-standard tokens get a descriptor with
// whatever fields could be read, and are read again after describeRetry.
func (c *tokenCache) describe(ctx context.Context, client BlockSource, addr common.Address, at *big.Int, logger *slog.Logger) ledger.Currency {
	now := c.now()
	c.mu.RLock()
	cached, ok := c.tokens[addr]
	c.mu.RUnlock()
	if ok && (cached.expires.IsZero() || now.Before(cached.expires)) {
		return cached.currency
	}

	cur := ledger.Currency{ID: addr.Hex()}
	complete := true
	if name, err := callString(ctx, client, addr, "name", at); err == nil {
		cur.Name = name
	} else {
		complete = false
		logger.Debug("token name unavailable", "token", addr.Hex(), "error", err)
	}
	if symbol, err := callString(ctx, client, addr, "symbol", at); err == nil {
		cur.Symbol = symbol
	} else {
		complete = false
	}
	if decimals, err := callDecimals(ctx, client, addr, at); err == nil {
		cur.Decimals = int(decimals)
	} else {
		complete = false
		logger.Warn("token decimals unavailable", "token", addr.Hex(), "error", err)
	}

	entry := cachedToken{currency: cur}
	if !complete {
		entry.expires = now.Add(describeRetry)
	}
	c.mu.Lock()
	c.tokens[addr] = entry
	c.mu.Unlock()
	return cur
}

func call(ctx context.Context, client BlockSource, addr common.Address, method string, at *big.Int) ([]interface{}, error) {
	data, err := erc20.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, at)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(values))
	}
	return values, nil
}

func callString(ctx context.Context, client BlockSource, addr common.Address, method string, at *big.Int) (string, error) {
	values, err := call(ctx, client, addr, method, at)
	if err != nil {
		return "", err
	}
	s, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T", method, values[0])
	}
	return s, nil
}

func callDecimals(ctx context.Context, client BlockSource, addr common.Address, at *big.Int) (uint8, error) {
	values, err := call(ctx, client, addr, "decimals", at)
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals returned %T", values[0])
	}
	return d, nil
}
