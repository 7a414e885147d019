package solana

import (
	"math/big"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

// slotTx is one transaction of a slot with the fields the adapter uses,
// validated once when decoded.
type slotTx struct {
	Signature string
	// Keys are the static account keys followed by loaded writable and
	// read-only addresses, matching the balance arrays.
	Keys   []solana.PublicKey
	Fee    uint64
	Failed bool

	Pre  []uint64
	Post []uint64

	PreTokens  []rpc.TokenBalance
	PostTokens []rpc.TokenBalance
}

func decode(chain string, id int64, index int, twm rpc.TransactionWithMeta) (*slotTx, error) {
	if twm.Meta == nil {
		return nil, ledger.ModuleErrorf(chain, id, "transaction %d has no status meta", index)
	}
	tx, err := twm.GetTransaction()
	if err != nil {
		return nil, &ledger.ModuleError{Chain: chain, BlockID: id, Reason: "decode transaction", Err: err}
	}
	if len(tx.Signatures) == 0 {
		return nil, ledger.ModuleErrorf(chain, id, "transaction %d has no signatures", index)
	}

	meta := twm.Meta
	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)

	sig := tx.Signatures[0].String()
	if len(keys) == 0 || !tx.Message.IsSigner(keys[0]) || int(tx.Message.Header.NumRequiredSignatures) != len(tx.Signatures) {
		return nil, ledger.ModuleErrorf(chain, id, "transaction %s: fee payer is not a declared signer", sig)
	}
	if len(meta.PreBalances) != len(keys) || len(meta.PostBalances) != len(keys) {
		return nil, ledger.ModuleErrorf(chain, id, "transaction %s: %d accounts but %d/%d balances",
			sig, len(keys), len(meta.PreBalances), len(meta.PostBalances))
	}

	return &slotTx{
		Signature:  sig,
		Keys:       keys,
		Fee:        meta.Fee,
		Failed:     meta.Err != nil,
		Pre:        meta.PreBalances,
		Post:       meta.PostBalances,
		PreTokens:  meta.PreTokenBalances,
		PostTokens: meta.PostTokenBalances,
	}, nil
}

func (t *slotTx) key(primary uint64, tertiary uint8) ledger.OrderKey {
	return ledger.OrderKey{Primary: primary, Secondary: t.Signature, Tertiary: tertiary}
}

// fragments emits the fee pair, lamport deltas and token deltas. Deltas that
// do not net to zero are balanced against the void.
func (t *slotTx) fragments(chain string, id int64, primary uint64, currencies *currencySet) ([]ledger.Fragment, error) {
	var out []ledger.Fragment

	fee := new(big.Int).SetUint64(t.Fee)
	if fee.Sign() > 0 {
		pair := ledger.Transfer(t.Signature, t.Keys[0].String(), ledger.VoidAddress, fee, primary, adapter.FeeDebit)
		out = append(out, pair[:]...)
	}

	net := new(big.Int)
	for i, k := range t.Keys {
		delta := new(big.Int).Sub(new(big.Int).SetUint64(t.Post[i]), new(big.Int).SetUint64(t.Pre[i]))
		if i == 0 {
			delta.Add(delta, fee)
		}
		if delta.Sign() == 0 {
			continue
		}
		net.Add(net, delta)
		out = append(out, t.delta(k.String(), delta, "", primary, adapter.ValueDebit, adapter.ValueCredit))
	}
	if net.Sign() != 0 {
		out = append(out, t.delta(ledger.VoidAddress, net.Neg(net), "", primary, adapter.ValueDebit, adapter.ValueCredit))
	}

	tokens, err := t.tokenFragments(chain, id, primary, currencies)
	if err != nil {
		return nil, err
	}
	out = append(out, tokens...)

	if t.Failed {
		for i := range out {
			out[i].Failed = true
		}
	}
	return out, nil
}

func (t *slotTx) delta(address string, effect *big.Int, currency string, primary uint64, debit, credit uint8) ledger.Fragment {
	tertiary := credit
	if effect.Sign() < 0 {
		tertiary = debit
	}
	return ledger.Fragment{
		TxID:     t.Signature,
		Address:  address,
		Effect:   effect,
		Currency: currency,
		Order:    t.key(primary, tertiary),
	}
}

type tokenPosition struct {
	owner    string
	mint     string
	decimals uint8
	pre      *big.Int
	post     *big.Int
}

func (t *slotTx) tokenFragments(chain string, id int64, primary uint64, currencies *currencySet) ([]ledger.Fragment, error) {
	positions := make(map[uint16]*tokenPosition)

	collect := func(balances []rpc.TokenBalance, post bool) error {
		for _, b := range balances {
			if b.UiTokenAmount == nil {
				return ledger.ModuleErrorf(chain, id, "transaction %s: token balance %d without amount", t.Signature, b.AccountIndex)
			}
			amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
			if !ok {
				return ledger.ModuleErrorf(chain, id, "transaction %s: token amount %q", t.Signature, b.UiTokenAmount.Amount)
			}
			if int(b.AccountIndex) >= len(t.Keys) {
				return ledger.ModuleErrorf(chain, id, "transaction %s: token account index %d out of range", t.Signature, b.AccountIndex)
			}

			p, ok := positions[b.AccountIndex]
			if !ok {
				owner := t.Keys[b.AccountIndex].String()
				if b.Owner != nil {
					owner = b.Owner.String()
				}
				p = &tokenPosition{owner: owner, mint: b.Mint.String(), decimals: b.UiTokenAmount.Decimals, pre: new(big.Int), post: new(big.Int)}
				positions[b.AccountIndex] = p
			}
			if post {
				p.post = amount
			} else {
				p.pre = amount
			}
		}
		return nil
	}
	if err := collect(t.PreTokens, false); err != nil {
		return nil, err
	}
	if err := collect(t.PostTokens, true); err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(positions))
	for idx := range positions {
		indexes = append(indexes, int(idx))
	}
	sort.Ints(indexes)

	var out []ledger.Fragment
	net := make(map[string]*big.Int)
	var mints []string
	for _, idx := range indexes {
		p := positions[uint16(idx)]
		delta := new(big.Int).Sub(p.post, p.pre)
		if delta.Sign() == 0 {
			continue
		}
		currencies.add(ledger.Currency{ID: p.mint, Decimals: int(p.decimals)})
		if net[p.mint] == nil {
			net[p.mint] = new(big.Int)
			mints = append(mints, p.mint)
		}
		net[p.mint].Add(net[p.mint], delta)
		f := t.delta(p.owner, delta, p.mint, primary, adapter.TokenDebit, adapter.TokenCredit)
		f.ExtraIndexed = t.Keys[idx].String()
		out = append(out, f)
	}
	for _, mint := range mints {
		if n := net[mint]; n.Sign() != 0 {
			out = append(out, t.delta(ledger.VoidAddress, new(big.Int).Neg(n), mint, primary, adapter.TokenDebit, adapter.TokenCredit))
		}
	}
	return out, nil
}

// currencySet keeps token descriptors in first-seen order.
type currencySet struct {
	seen  map[string]bool
	items []ledger.Currency
}

func newCurrencySet() *currencySet {
	return &currencySet{seen: make(map[string]bool)}
}

func (s *currencySet) add(c ledger.Currency) {
	if s.seen[c.ID] {
		return
	}
	s.seen[c.ID] = true
	s.items = append(s.items, c)
}

func (s *currencySet) list() []ledger.Currency { return s.items }
