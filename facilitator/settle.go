package facilitator

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
	"github.com/mark3labs/x402x/gas"
	"github.com/mark3labs/x402x/pool"
)

// legacyTransferGas is the gas limit for a v1 direct transferWithAuthorization
// call. EIP-3009 transfers have no hook step, so a flat limit suffices.
const legacyTransferGas = 120_000

// Settle executes a verified payment on-chain. Client-caused rejections come
// back as an unsuccessful response with a reason; errors are reserved for
// infrastructure failures. A settlement is submitted at most once and never
// auto-retried: past the receipt bound the response reports the transaction
// as pending together with its hash.
func (f *Facilitator) Settle(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.SettlementResponse, error) {
	switch x402x.DetectVersion(req) {
	case x402x.VersionRouter:
		if !f.cfg.V2Enabled {
			return &x402x.SettlementResponse{
				Success:     false,
				ErrorReason: "router settlement is not enabled",
				Network:     req.PaymentPayload.Network,
			}, nil
		}
		return f.settleV2(ctx, req)
	case x402x.VersionLegacy:
		return f.settleV1(ctx, req)
	default:
		return &x402x.SettlementResponse{
			Success:     false,
			ErrorReason: "unsupported x402 version",
			Network:     req.PaymentPayload.Network,
		}, nil
	}
}

func (f *Facilitator) settleV2(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.SettlementResponse, error) {
	v2, err := f.validateV2(ctx, req)
	if err != nil {
		f.countSettlement(req.PaymentPayload.Network, x402x.VersionRouter, "rejected")
		return settleFailure(req.PaymentPayload.Network, "", err)
	}

	calc, err := v2.nc.validator.Validate(ctx, gas.Params{
		Network: v2.nc.cfg,
		Router:  v2.extra.SettlementRouter,
		Settle:  v2.settle,
	})
	if err != nil {
		f.countSettlement(v2.canonical, x402x.VersionRouter, "rejected")
		return settleFailure(v2.canonical, v2.payer.Hex(), err)
	}

	data, err := evm.PackSettleAndExecute(v2.settle)
	if err != nil {
		return nil, err
	}

	txHash, execErr := f.submit(ctx, v2.nc, v2.payer, v2.extra.SettlementRouter, data, calc.GasLimit)
	return f.settleOutcome(v2.canonical, v2.payer, x402x.VersionRouter, txHash, execErr)
}

func (f *Facilitator) settleV1(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.SettlementResponse, error) {
	v1, err := f.validateV1(ctx, req)
	if err != nil {
		f.countSettlement(req.PaymentPayload.Network, x402x.VersionLegacy, "rejected")
		return settleFailure(req.PaymentPayload.Network, "", err)
	}

	data, err := evm.PackTransferWithAuthorization(v1.auth, v1.signature)
	if err != nil {
		return nil, err
	}

	txHash, execErr := f.submit(ctx, v1.nc, v1.auth.From, v1.token, data, legacyTransferGas)
	return f.settleOutcome(v1.canonical, v1.auth.From, x402x.VersionLegacy, txHash, execErr)
}

// submit runs the settlement transaction on one pool account: sign, send,
// and wait for the receipt within the configured bound. The returned hash is
// set as soon as the transaction is accepted by the node, whether or not a
// receipt arrived in time.
func (f *Facilitator) submit(ctx context.Context, nc *netContext, payer, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	pl, err := f.pools.Pool(nc.cfg.CAIP2())
	if err != nil {
		return common.Hash{}, err
	}

	var txHash common.Hash
	execErr := pl.Execute(ctx, payer, func(ctx context.Context, acct *pool.Account) error {
		tx, err := evm.SubmitTransaction(ctx, nc.backend, acct.Key(), chainID(nc.cfg), nc.cfg.GasModel, to, data, gasLimit)
		if err != nil {
			return err
		}
		txHash = tx.Hash()
		f.log.Info("settlement submitted",
			"network", nc.cfg.Name, "payer", payer, "account", acct.Address(), "tx", txHash)

		rctx, cancel := context.WithTimeout(ctx, f.cfg.ReceiptTimeout)
		defer cancel()
		receipt, err := evm.WaitReceipt(rctx, nc.backend, txHash)
		if err != nil {
			return err
		}
		if receipt.Status == 0 {
			return x402x.NewFacilitatorError(x402x.ErrCodeRevert,
				"settlement transaction reverted on-chain", nil).
				WithDetails("transaction", txHash.Hex())
		}
		return nil
	})
	return txHash, execErr
}

// settleOutcome maps the execution result onto the response contract.
func (f *Facilitator) settleOutcome(network string, payer common.Address, version int, txHash common.Hash, execErr error) (*x402x.SettlementResponse, error) {
	if execErr == nil {
		f.countSettlement(network, version, "success")
		return &x402x.SettlementResponse{
			Success:     true,
			Transaction: txHash.Hex(),
			Network:     network,
			Payer:       payer.Hex(),
		}, nil
	}

	if errors.Is(execErr, x402x.ErrReceiptTimeout) {
		f.countSettlement(network, version, "pending")
		return &x402x.SettlementResponse{
			Success:     false,
			ErrorReason: "transaction pending",
			Transaction: txHash.Hex(),
			Network:     network,
			Payer:       payer.Hex(),
		}, nil
	}

	if errors.Is(execErr, x402x.ErrAccountBusy) {
		f.countSettlement(network, version, "busy")
		return &x402x.SettlementResponse{
			Success:     false,
			ErrorReason: "facilitator is at capacity, retry later",
			Network:     network,
			Payer:       payer.Hex(),
		}, nil
	}

	switch x402x.CodeOf(execErr) {
	case x402x.ErrCodeValidation, x402x.ErrCodeSimulation:
		f.countSettlement(network, version, "rejected")
	case x402x.ErrCodeRevert:
		f.countSettlement(network, version, "reverted")
	default:
		f.countSettlement(network, version, "error")
		return nil, execErr
	}

	resp := &x402x.SettlementResponse{
		Success:     false,
		ErrorReason: reasonOf(execErr),
		Network:     network,
		Payer:       payer.Hex(),
	}
	if txHash != (common.Hash{}) {
		resp.Transaction = txHash.Hex()
	}
	return resp, nil
}

// settleFailure shapes a pre-submission rejection.
func settleFailure(network, payer string, err error) (*x402x.SettlementResponse, error) {
	switch x402x.CodeOf(err) {
	case x402x.ErrCodeValidation, x402x.ErrCodeSimulation, x402x.ErrCodeRevert:
		return &x402x.SettlementResponse{
			Success:     false,
			ErrorReason: reasonOf(err),
			Network:     network,
			Payer:       payer,
		}, nil
	}
	return nil, err
}
