// Package beacon adapts the Ethereum consensus layer. A block id is an epoch;
// the epoch is identified by the roots of the slots it contains and processed
// into validator withdrawal events.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/consensus"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/noderpc"
)

const Kind = "beacon"

var gweiToWei = big.NewInt(1_000_000_000)

type headerResponse struct {
	Data struct {
		Root   string `json:"root"`
		Header struct {
			Message struct {
				Slot       string `json:"slot"`
				ParentRoot string `json:"parent_root"`
			} `json:"message"`
		} `json:"header"`
	} `json:"data"`
}

type blockResponse struct {
	Data struct {
		Message struct {
			Slot string `json:"slot"`
			Body struct {
				ExecutionPayload *struct {
					Withdrawals []withdrawal `json:"withdrawals"`
				} `json:"execution_payload"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

type withdrawal struct {
	Index          string `json:"index"`
	ValidatorIndex string `json:"validator_index"`
	Address        string `json:"address"`
	Amount         string `json:"amount"`
}

var epochFingerprint = consensus.Composite(func(h *headerResponse) string { return h.Data.Root })

type Adapter struct {
	*adapter.Base

	slotsPerEpoch  int64
	secondsPerSlot int64
	genesis        time.Time
	finalityDelay  int64
	client         *noderpc.Client
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(_ context.Context, deps adapter.Deps) (adapter.Adapter, error) {
	cfg := noderpc.DefaultConfig()
	if deps.Settings.Timeout > 0 {
		cfg.Timeout = deps.Settings.Timeout
	}
	return NewWithClient(deps, noderpc.New(cfg, deps.Logger))
}

func NewWithClient(deps adapter.Deps, client *noderpc.Client) (*Adapter, error) {
	s := deps.Settings
	c := s.Constants
	if err := errors.Join(
		s.RequirePositive("slots_per_epoch", c.SlotsPerEpoch),
		s.RequirePositive("seconds_per_slot", c.SecondsPerSlot),
		s.RequirePositive("genesis_time", c.GenesisTime),
	); err != nil {
		return nil, err
	}
	if c.FinalityDelay < 0 {
		return nil, &ledger.ConfigurationError{Chain: s.Chain, Setting: "finality_delay", Reason: "must not be negative"}
	}

	a := &Adapter{
		Base:           adapter.NewBase(deps, "beacon-adapter"),
		slotsPerEpoch:  c.SlotsPerEpoch,
		secondsPerSlot: c.SecondsPerSlot,
		genesis:        time.Unix(c.GenesisTime, 0).UTC(),
		finalityDelay:  c.FinalityDelay,
		client:         client,
	}
	a.Logger.Info("beacon adapter ready", "nodes", len(s.Nodes), "slots_per_epoch", c.SlotsPerEpoch)
	return a, nil
}

func (a *Adapter) Name() string { return Kind }

func (a *Adapter) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }

// LatestHeight is the epoch of the head slot minus the finality delay.
func (a *Adapter) LatestHeight(ctx context.Context) (int64, error) {
	node := a.Nodes().Authoritative()
	var head headerResponse
	if _, err := a.client.Get(ctx, node, "/eth/v1/beacon/headers/head", &head); err != nil {
		return 0, &ledger.ConnectivityError{Chain: a.Chain(), Node: node.Name, Err: fmt.Errorf("get head header: %w", err)}
	}
	slot, err := strconv.ParseInt(head.Data.Header.Message.Slot, 10, 64)
	if err != nil {
		return 0, &ledger.ModuleError{Chain: a.Chain(), Reason: "parse head slot", Err: err}
	}
	return slot/a.slotsPerEpoch - a.finalityDelay, nil
}

func (a *Adapter) slots(epoch int64) []int64 {
	first := epoch * a.slotsPerEpoch
	out := make([]int64, a.slotsPerEpoch)
	for i := range out {
		out[i] = first + int64(i)
	}
	return out
}

func (a *Adapter) epochTime(epoch int64) time.Time {
	return a.genesis.Add(time.Duration(epoch*a.slotsPerEpoch*a.secondsPerSlot) * time.Second)
}

func (a *Adapter) header(ctx context.Context, node fanout.Node, slot int64) (*headerResponse, fanout.Status, error) {
	var h headerResponse
	status, err := a.client.Get(ctx, node, "/eth/v1/beacon/headers/"+strconv.FormatInt(slot, 10), &h, http.StatusNotFound)
	if status != fanout.StatusSuccess {
		return nil, status, err
	}
	return &h, status, nil
}

func (a *Adapter) fetchHeaders(ctx context.Context, epoch int64, mode ledger.TrustMode) ([]fanout.Response[[]fanout.Unit[*headerResponse]], error) {
	return fanout.FetchUnits(ctx, a.Nodes(), a.slots(epoch), a.Options(epoch, mode), a.header)
}

func (a *Adapter) ConfirmBlock(ctx context.Context, epoch int64, mode ledger.TrustMode) (ledger.BlockContext, error) {
	if epoch < 0 {
		return ledger.BlockContext{}, ledger.ModuleErrorf(a.Chain(), epoch, "epoch must not be negative")
	}

	responses, err := a.fetchHeaders(ctx, epoch, mode)
	if err != nil {
		return ledger.BlockContext{}, err
	}

	agreement, err := consensus.Verify(a.Verifier, epoch, mode, responses, epochFingerprint)
	if err != nil {
		return ledger.BlockContext{}, err
	}
	if agreement.Empty {
		a.Logger.Debug("epoch without blocks", "block_id", epoch)
		return a.EmptyContext(epoch, mode), nil
	}

	identity := agreement.Identity(epoch)
	identity.Time = a.epochTime(epoch)
	for _, u := range agreement.Payload {
		if u.Status == fanout.StatusSuccess {
			identity.ParentHash = u.Payload.Data.Header.Message.ParentRoot
			break
		}
	}
	return a.Context(identity, mode), nil
}

// ProcessBlock re-reads the epoch's slot roots from the authoritative node,
// checks them against the confirmed identity and turns the withdrawals of
// every block into void-to-recipient transfers.
func (a *Adapter) ProcessBlock(ctx context.Context, bc ledger.BlockContext) (ledger.BlockOutput, error) {
	if bc.Empty {
		return ledger.Empty(), nil
	}

	epoch := bc.Identity.ID
	node := a.Nodes().Authoritative()

	responses, err := a.fetchHeaders(ctx, epoch, ledger.TrustFast)
	if err != nil {
		return ledger.BlockOutput{}, err
	}
	fp, err := epochFingerprint(responses[0].Payload)
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ModuleError{Chain: a.Chain(), BlockID: epoch, Reason: "fingerprint epoch", Err: err}
	}
	if fp.Hash != bc.Identity.Hash {
		return ledger.BlockOutput{}, &ledger.ConsensusError{
			Chain:     a.Chain(),
			BlockID:   epoch,
			Reference: bc.Identity.Hash,
			Node:      node.Name,
			Got:       fp.Hash,
			Reason:    "epoch changed between confirmation and processing",
		}
	}

	// A block whose root was just confirmed must exist; a 404 is a failure.
	opts := a.Options(epoch, ledger.TrustFast)
	opts.Accept = []fanout.Status{fanout.StatusSuccess}

	var fragments []ledger.Fragment
	for _, u := range responses[0].Payload {
		if u.Status != fanout.StatusSuccess {
			continue
		}
		root := u.Payload.Data.Root
		blocks, err := fanout.Fetch(ctx, a.Nodes(), opts,
			func(ctx context.Context, node fanout.Node) (*blockResponse, fanout.Status, error) {
				var block blockResponse
				status, err := a.client.Get(ctx, node, "/eth/v2/beacon/blocks/"+root, &block, http.StatusNotFound)
				return &block, status, err
			})
		if err != nil {
			return ledger.BlockOutput{}, fmt.Errorf("get block for slot %d: %w", u.Key, err)
		}
		block := fanout.Succeeded(blocks)[0].Payload

		frags, err := a.withdrawals(epoch, u.Key, block)
		if err != nil {
			return ledger.BlockOutput{}, err
		}
		fragments = append(fragments, frags...)
	}

	return ledger.Events(fragments, nil), nil
}

func (a *Adapter) withdrawals(epoch, slot int64, block *blockResponse) ([]ledger.Fragment, error) {
	if got := block.Data.Message.Slot; got != strconv.FormatInt(slot, 10) {
		return nil, ledger.ModuleErrorf(a.Chain(), epoch, "block for slot %d reports slot %s", slot, got)
	}
	payload := block.Data.Message.Body.ExecutionPayload
	if payload == nil {
		return nil, nil
	}

	var out []ledger.Fragment
	for _, w := range payload.Withdrawals {
		index, err := strconv.ParseUint(w.Index, 10, 64)
		if err != nil {
			return nil, &ledger.ModuleError{Chain: a.Chain(), BlockID: epoch, Reason: "parse withdrawal index", Err: err}
		}
		gwei, ok := new(big.Int).SetString(w.Amount, 10)
		if !ok || gwei.Sign() < 0 {
			return nil, ledger.ModuleErrorf(a.Chain(), epoch, "withdrawal %d: invalid amount %q", index, w.Amount)
		}
		if gwei.Sign() == 0 {
			continue
		}

		txID := "withdrawal-" + w.Index
		pair := ledger.Transfer(txID, ledger.VoidAddress, w.Address, gwei.Mul(gwei, gweiToWei), index, adapter.ValueDebit)
		for i := range pair {
			pair[i].Extra = "withdrawal"
			pair[i].ExtraIndexed = w.ValidatorIndex
		}
		out = append(out, pair[:]...)
	}
	return out, nil
}

func (a *Adapter) Close() error { return nil }
