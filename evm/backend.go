// Package evm holds the on-chain interface of the facilitator: the
// settlement router binding, EIP-3009 authorization primitives shared by the
// v1 and v2 paths, commitment hashing, transaction submission, and revert
// classification.
package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402x"
)

// Backend is the subset of an Ethereum JSON-RPC client the facilitator uses.
// *ethclient.Client satisfies it; tests substitute fakes.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// receiptPollInterval is how often SubmitAndWait polls for the receipt.
const receiptPollInterval = 2 * time.Second

// SubmitTransaction builds, signs, and sends a contract call from the given
// key. The fee fields follow the network's gas model: dynamic-fee
// transactions on eip1559 networks, gas-price transactions otherwise.
func SubmitTransaction(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, gasModel string, to common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "failed to fetch account nonce", err)
	}

	var tx *types.Transaction
	switch gasModel {
	case "eip1559":
		head, err := backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "failed to fetch chain head", err)
		}
		tip, err := backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "failed to fetch tip cap", err)
		}
		// feeCap = 2*baseFee + tip leaves headroom for two doubling blocks.
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Data:      data,
		})
	default:
		gasPrice, err := backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "failed to fetch gas price", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to sign transaction", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		// A send failure may still be a revert surfaced at submission time.
		return nil, ClassifyError(err)
	}
	return signed, nil
}

// WaitReceipt polls for the receipt of a submitted transaction until the
// context expires. A submitted transaction cannot be un-submitted, so the
// bound is on how long we wait, not on the transaction itself: past the bound
// the caller reports a still-pending outcome carrying the hash.
func WaitReceipt(ctx context.Context, backend Backend, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure,
				"no receipt within the configured bound", x402x.ErrReceiptTimeout).
				WithDetails("transaction", txHash.Hex())
		case <-ticker.C:
		}
	}
}
