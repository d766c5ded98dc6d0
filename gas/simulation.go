package gas

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
)

// SimulationConfig tunes the simulation-based estimator.
type SimulationConfig struct {
	// Timeout bounds the estimate-gas RPC call. Zero means no extra bound
	// beyond the caller's context.
	Timeout time.Duration

	// HeadroomBips is added on top of the node's estimate, in basis points.
	// 2000 means a 20% buffer against state drift between estimate and
	// execution.
	HeadroomBips uint64
}

// DefaultSimulationConfig is used where no tuning is supplied.
var DefaultSimulationConfig = SimulationConfig{
	Timeout:      10 * time.Second,
	HeadroomBips: 2000,
}

// SimulationBasedEstimator measures gas by simulating the full settlement
// transaction, hook execution included, against the live network. Accurate
// for arbitrary hooks at the price of an RPC round-trip and exposure to
// simulation reverts.
type SimulationBasedEstimator struct {
	backend evm.Backend
	cfg     SimulationConfig
}

// NewSimulationBasedEstimator creates a simulation estimator over a backend.
func NewSimulationBasedEstimator(backend evm.Backend, cfg SimulationConfig) *SimulationBasedEstimator {
	if cfg.HeadroomBips == 0 {
		cfg.HeadroomBips = DefaultSimulationConfig.HeadroomBips
	}
	return &SimulationBasedEstimator{backend: backend, cfg: cfg}
}

// EstimateGas implements Estimator. A revert during simulation is translated
// into an invalid result with a decoded reason; RPC failures (unreachable
// node, timeout) surface as errors so the smart estimator can react.
func (e *SimulationBasedEstimator) EstimateGas(ctx context.Context, p Params) (Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	data, err := evm.PackSettleAndExecute(p.Settle)
	if err != nil {
		return Result{}, err
	}

	router := p.Router
	estimate, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: p.From,
		To:   &router,
		Data: data,
	})
	if err != nil {
		classified := evm.ClassifyError(err)
		if evm.IsRevert(classified) {
			var fe *x402x.FacilitatorError
			reason := "settlement simulation reverted"
			if errors.As(classified, &fe) {
				reason = fe.Message
			}
			return Result{
				Valid:    false,
				Strategy: StrategySimulation,
				Reason:   reason,
			}, nil
		}
		return Result{}, classified
	}

	buffered := estimate + estimate*e.cfg.HeadroomBips/10_000
	return Result{
		Valid:    true,
		GasLimit: buffered,
		Strategy: StrategySimulation,
		Metadata: map[string]interface{}{
			"rawEstimate": estimate,
		},
	}, nil
}
