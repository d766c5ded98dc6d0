package evm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402x"
)

// Solidity's builtin revert selectors.
var (
	errorStringSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector       = [4]byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

// Router error signatures, mapped to actionable reasons. Selectors are
// derived at init so the table stays signature-only.
var namedErrors = map[[4]byte]namedError{}

type namedError struct {
	reason   string
	sentinel error
}

func init() {
	for sig, ne := range map[string]namedError{
		"AlreadySettled()":           {"settlement already executed for this authorization", x402x.ErrAlreadySettled},
		"InvalidCommitment()":        {"commitment does not match the settlement parameters", nil},
		"InvalidSignature()":         {"payer signature rejected by the token contract", x402x.ErrInvalidSignature},
		"AuthorizationExpired()":     {"authorization validity window has passed", nil},
		"AuthorizationNotYetValid()": {"authorization is not yet valid", nil},
		"TransferFailed()":           {"token transfer failed", nil},
		"HookExecutionFailed()":      {"post-payment hook reverted", nil},
		"FeeExceedsValue()":          {"facilitator fee exceeds the payment value", nil},
	} {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
		namedErrors[sel] = ne
	}
}

// panicReasons translates the common Solidity panic codes.
var panicReasons = map[uint64]string{
	0x01: "assertion failed",
	0x11: "arithmetic overflow or underflow",
	0x12: "division by zero",
	0x21: "invalid enum value",
	0x31: "pop on empty array",
	0x32: "array index out of bounds",
	0x41: "out of memory",
	0x51: "call to uninitialized function",
}

// DecodeRevert translates raw revert data into a human-readable reason.
// Recognized shapes: Error(string), Panic(uint256), and the router's named
// errors. Anything else is reported as its hex selector.
func DecodeRevert(data []byte) (string, error) {
	if len(data) < 4 {
		return "execution reverted without reason", nil
	}
	var sel [4]byte
	copy(sel[:], data[:4])

	switch sel {
	case errorStringSelector:
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			return "execution reverted with undecodable reason", nil
		}
		return fmt.Sprintf("execution reverted: %s", reason), nil
	case panicSelector:
		if len(data) >= 36 {
			code := new(big.Int).SetBytes(data[4:36])
			if reason, ok := panicReasons[code.Uint64()]; ok && code.IsUint64() {
				return fmt.Sprintf("panic: %s", reason), nil
			}
			return fmt.Sprintf("panic: code 0x%x", code), nil
		}
		return "panic with undecodable code", nil
	}

	if ne, ok := namedErrors[sel]; ok {
		return ne.reason, ne.sentinel
	}
	return fmt.Sprintf("execution reverted: unknown error 0x%s", hex.EncodeToString(sel[:])), nil
}

// dataError matches go-ethereum's rpc.DataError, which carries the revert
// data alongside the message.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// ClassifyError turns an RPC error into a FacilitatorError: revert errors
// become classified simulation/revert failures with a decoded reason,
// anything else stays an infrastructure failure.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(hexData); decErr == nil {
				reason, sentinel := DecodeRevert(data)
				fe := x402x.NewFacilitatorError(x402x.ErrCodeRevert, reason, sentinel)
				return fe.WithDetails("revertData", hexData)
			}
		}
	}

	if strings.Contains(err.Error(), "execution reverted") {
		return x402x.NewFacilitatorError(x402x.ErrCodeRevert, err.Error(), nil)
	}
	return x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "rpc call failed", err)
}

// IsRevert reports whether the error chain contains a classified revert.
func IsRevert(err error) bool {
	return x402x.CodeOf(err) == x402x.ErrCodeRevert
}
