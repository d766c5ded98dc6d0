package gas

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402x"
)

// Analytic gas costs for the builtin paths. The bases cover the router's
// EIP-3009 verification, transfer, and fee bookkeeping; the hook constants
// were measured against the deployed builtin hook bytecode.
const (
	baseSettlementGas  = 90_000
	transferHookGas    = 35_000
	splitHookBaseGas   = 30_000
	splitPerRecipient  = 28_000
	maxSplitRecipients = 64
)

// CodeBasedEstimator computes gas analytically for builtin hooks without any
// network call. It refuses custom hooks: their bytecode is unknown, so no
// formula applies.
type CodeBasedEstimator struct{}

// NewCodeBasedEstimator creates a code-based estimator.
func NewCodeBasedEstimator() *CodeBasedEstimator {
	return &CodeBasedEstimator{}
}

// EstimateGas implements Estimator.
func (e *CodeBasedEstimator) EstimateGas(_ context.Context, p Params) (Result, error) {
	kind := p.Network.ClassifyHook(p.Settle.Hook)

	var limit uint64
	meta := map[string]interface{}{"hookKind": kind.String()}

	switch kind {
	case x402x.HookNone:
		limit = baseSettlementGas
	case x402x.HookTransfer:
		limit = baseSettlementGas + transferHookGas
	case x402x.HookSplit:
		n, err := splitRecipientCount(p.Settle.HookData)
		if err != nil {
			return Result{}, err
		}
		limit = baseSettlementGas + splitHookBaseGas + uint64(n)*splitPerRecipient
		meta["recipients"] = n
	default:
		return Result{}, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"no analytic gas formula for custom hooks", x402x.ErrEstimationFailed).
			WithDetails("hook", p.Settle.Hook.Hex())
	}

	return Result{
		Valid:    true,
		GasLimit: limit,
		Strategy: StrategyCodeBased,
		Metadata: meta,
	}, nil
}

// splitHookArgs is the hookData layout of the builtin split hook:
// (address[] recipients, uint256[] sharesBips).
var splitHookArgs = abi.Arguments{
	{Type: mustNewType("address[]")},
	{Type: mustNewType("uint256[]")},
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("gas: invalid abi type " + t)
	}
	return typ
}

func splitRecipientCount(hookData []byte) (int, error) {
	vals, err := splitHookArgs.Unpack(hookData)
	if err != nil || len(vals) != 2 {
		return 0, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"split hook data does not decode as (address[],uint256[])", x402x.ErrEstimationFailed)
	}
	recipients, ok := vals[0].([]common.Address)
	if !ok {
		return 0, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"split hook data has an unexpected recipient type", x402x.ErrEstimationFailed)
	}
	if len(recipients) == 0 || len(recipients) > maxSplitRecipients {
		return 0, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			fmt.Sprintf("split hook recipient count must be 1..%d", maxSplitRecipients), x402x.ErrEstimationFailed)
	}
	return len(recipients), nil
}
