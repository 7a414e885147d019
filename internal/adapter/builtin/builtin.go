// Package builtin registers every adapter kind shipped with the ingester.
package builtin

import (
	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/adapter/beacon"
	"github.com/marko911/pulse-ledger/internal/adapter/evm"
	"github.com/marko911/pulse-ledger/internal/adapter/evmtrace"
	"github.com/marko911/pulse-ledger/internal/adapter/solana"
)

func Registry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(evm.Kind, evm.New)
	r.Register(evmtrace.Kind, evmtrace.New)
	r.Register(solana.Kind, solana.New)
	r.Register(beacon.Kind, beacon.New)
	return r
}
