package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402x"
)

// routerABIJSON is the facilitator-facing surface of the settlement router.
// The contract atomically verifies the EIP-3009 authorization, transfers
// funds, deducts the facilitator fee, and invokes the hook.
const routerABIJSON = `[
	{"type":"function","name":"settleAndExecute","stateMutability":"nonpayable","inputs":[
		{"name":"token","type":"address"},
		{"name":"from","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"signature","type":"bytes"},
		{"name":"salt","type":"bytes32"},
		{"name":"payTo","type":"address"},
		{"name":"facilitatorFee","type":"uint256"},
		{"name":"hook","type":"address"},
		{"name":"hookData","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"isSettled","stateMutability":"view","inputs":[
		{"name":"contextKey","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getPendingFees","stateMutability":"view","inputs":[
		{"name":"facilitator","type":"address"},
		{"name":"token","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"claimFees","stateMutability":"nonpayable","inputs":[
		{"name":"tokens","type":"address[]"}],
	 "outputs":[]}
]`

var routerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic("evm: invalid router ABI: " + err.Error())
	}
	routerABI = parsed
}

// SettleParams is the full settleAndExecute parameter tuple.
type SettleParams struct {
	Token          common.Address
	From           common.Address
	Value          *big.Int
	ValidAfter     *big.Int
	ValidBefore    *big.Int
	Nonce          common.Hash
	Signature      []byte
	Salt           common.Hash
	PayTo          common.Address
	FacilitatorFee *big.Int
	Hook           common.Address
	HookData       []byte
}

// Router binds one settlement router deployment to a backend.
type Router struct {
	address common.Address
	backend Backend
}

// NewRouter creates a binding for the router at the given address.
func NewRouter(address common.Address, backend Backend) *Router {
	return &Router{address: address, backend: backend}
}

// Address returns the router contract address.
func (r *Router) Address() common.Address { return r.address }

// PackSettleAndExecute encodes the settleAndExecute calldata.
func PackSettleAndExecute(p SettleParams) ([]byte, error) {
	data, err := routerABI.Pack("settleAndExecute",
		p.Token, p.From, p.Value, p.ValidAfter, p.ValidBefore, p.Nonce,
		p.Signature, p.Salt, p.PayTo, p.FacilitatorFee, p.Hook, p.HookData)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to encode settleAndExecute", err)
	}
	return data, nil
}

// IsSettled reports whether a settlement context has already been executed.
func (r *Router) IsSettled(ctx context.Context, contextKey common.Hash) (bool, error) {
	data, err := routerABI.Pack("isSettled", contextKey)
	if err != nil {
		return false, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to encode isSettled", err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return false, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "isSettled call failed", err)
	}
	res, err := routerABI.Unpack("isSettled", out)
	if err != nil || len(res) != 1 {
		return false, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "unexpected isSettled return data", err)
	}
	settled, ok := res[0].(bool)
	if !ok {
		return false, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "unexpected isSettled return type", nil)
	}
	return settled, nil
}

// PendingFees returns the accumulated fees the facilitator can claim for a
// token.
func (r *Router) PendingFees(ctx context.Context, facilitator, token common.Address) (*big.Int, error) {
	data, err := routerABI.Pack("getPendingFees", facilitator, token)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to encode getPendingFees", err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "getPendingFees call failed", err)
	}
	res, err := routerABI.Unpack("getPendingFees", out)
	if err != nil || len(res) != 1 {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "unexpected getPendingFees return data", err)
	}
	fees, ok := res[0].(*big.Int)
	if !ok {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "unexpected getPendingFees return type", nil)
	}
	return fees, nil
}

// PackClaimFees encodes the claimFees calldata for the given tokens.
func PackClaimFees(tokens []common.Address) ([]byte, error) {
	data, err := routerABI.Pack("claimFees", tokens)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to encode claimFees", err)
	}
	return data, nil
}

// ComputeCommitment derives the commitment hash binding every settlement
// parameter. The commitment doubles as the EIP-3009 nonce, so any tampering
// with router, recipient, fee, or hook invalidates the payer's signature.
// Static fields are packed as 32-byte words, hookData by its keccak hash,
// matching the router's abi.encode layout.
func ComputeCommitment(chainID *big.Int, router common.Address, p SettleParams) common.Hash {
	var hookDataHash common.Hash
	if len(p.HookData) > 0 {
		hookDataHash = crypto.Keccak256Hash(p.HookData)
	} else {
		hookDataHash = crypto.Keccak256Hash(nil)
	}
	return crypto.Keccak256Hash(
		common.LeftPadBytes(chainID.Bytes(), 32),
		common.LeftPadBytes(router.Bytes(), 32),
		common.LeftPadBytes(p.Token.Bytes(), 32),
		common.LeftPadBytes(p.From.Bytes(), 32),
		common.LeftPadBytes(p.Value.Bytes(), 32),
		common.LeftPadBytes(p.ValidAfter.Bytes(), 32),
		common.LeftPadBytes(p.ValidBefore.Bytes(), 32),
		p.Salt.Bytes(),
		common.LeftPadBytes(p.PayTo.Bytes(), 32),
		common.LeftPadBytes(p.FacilitatorFee.Bytes(), 32),
		common.LeftPadBytes(p.Hook.Bytes(), 32),
		hookDataHash.Bytes(),
	)
}

// ContextKey identifies one settlement for idempotency checks: the hash of
// (token, payer, nonce). Two settle calls with the same triplet collide on
// the router, and the second reverts with AlreadySettled.
func ContextKey(token, payer common.Address, nonce common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(token.Bytes(), 32),
		common.LeftPadBytes(payer.Bytes(), 32),
		nonce.Bytes(),
	)
}
