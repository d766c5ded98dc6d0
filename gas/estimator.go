// Package gas computes gas limits for settlement transactions. Three
// strategies exist: analytic code-based costing for builtin hooks, RPC
// simulation for arbitrary hooks, and a smart selector that picks between
// them with a single fallback edge.
package gas

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
)

// Strategy labels for Result.Strategy.
const (
	StrategyCodeBased  = "code_based"
	StrategySimulation = "simulation"
)

// Params describes the settlement whose gas is being estimated.
type Params struct {
	// Network is the resolved target network configuration.
	Network x402x.NetworkConfig

	// Router is the settlement router the transaction targets.
	Router common.Address

	// Settle is the full settleAndExecute parameter tuple.
	Settle evm.SettleParams

	// From is the facilitator account the simulation runs as. Zero is
	// accepted but makes balance-dependent simulations less faithful.
	From common.Address
}

// Result is the outcome of one estimation. A simulation revert is a valid
// outcome (Valid=false with a reason), not an error: errors are reserved for
// infrastructure failures, which the smart estimator treats as its fallback
// trigger.
type Result struct {
	// Valid reports whether the settlement is expected to succeed.
	Valid bool

	// GasLimit is the estimated gas limit. Zero when Valid is false.
	GasLimit uint64

	// Strategy names the strategy that produced the result.
	Strategy string

	// Reason explains an invalid result in client-readable terms.
	Reason string

	// Metadata carries strategy-specific context for logging.
	Metadata map[string]interface{}
}

// Estimator is the common contract of all gas estimation strategies.
type Estimator interface {
	EstimateGas(ctx context.Context, p Params) (Result, error)
}
