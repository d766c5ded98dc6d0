package x402x

import "errors"

// Sentinel errors. Startup problems are configuration errors and should abort
// the process; everything else is reported per-request.

var (
	// ErrNoAccounts indicates a pool was constructed with an empty key list.
	ErrNoAccounts = errors.New("x402x: no signer accounts configured")

	// ErrInvalidKey indicates an unparseable private key.
	ErrInvalidKey = errors.New("x402x: invalid private key")

	// ErrInvalidMnemonic indicates an invalid BIP-39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("x402x: invalid mnemonic phrase")

	// ErrInvalidNetworkConfig indicates malformed per-network configuration.
	ErrInvalidNetworkConfig = errors.New("x402x: invalid network configuration")

	// ErrUnsupportedNetwork indicates a network unknown to the facilitator.
	ErrUnsupportedNetwork = errors.New("x402x: unsupported network")

	// ErrUnsupportedVersion indicates an x402 protocol version the
	// facilitator does not serve.
	ErrUnsupportedVersion = errors.New("x402x: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402x: unsupported payment scheme")

	// ErrMalformedPayload indicates a payment payload that does not match the
	// expected shape for its version.
	ErrMalformedPayload = errors.New("x402x: malformed payment payload")

	// ErrInvalidExtra indicates malformed router-settlement fields in
	// PaymentRequirement.Extra.
	ErrInvalidExtra = errors.New("x402x: invalid settlement extra")

	// ErrRouterNotWhitelisted indicates the declared settlement router is not
	// in the configured whitelist for the network.
	ErrRouterNotWhitelisted = errors.New("x402x: settlement router not whitelisted")

	// ErrInsufficientFee indicates the declared facilitator fee does not
	// cover the estimated gas cost.
	ErrInsufficientFee = errors.New("x402x: insufficient facilitator fee")

	// ErrInvalidSignature indicates an invalid payment signature.
	ErrInvalidSignature = errors.New("x402x: invalid signature")

	// ErrAlreadySettled indicates the settlement was already executed for
	// this (payer, token, nonce) triplet.
	ErrAlreadySettled = errors.New("x402x: already settled")

	// ErrAccountBusy indicates every slot of the selected account's work
	// queue is occupied.
	ErrAccountBusy = errors.New("x402x: account queue is full")

	// ErrPoolClosed indicates work was submitted to a closed pool.
	ErrPoolClosed = errors.New("x402x: account pool is closed")

	// ErrEstimationFailed indicates gas estimation could not produce a limit.
	ErrEstimationFailed = errors.New("x402x: gas estimation failed")

	// ErrReceiptTimeout indicates the transaction was submitted but no
	// receipt arrived within the configured bound.
	ErrReceiptTimeout = errors.New("x402x: timed out waiting for receipt")
)

// ErrorCode classifies facilitator errors for programmatic handling. The
// codes mirror the error taxonomy: configuration failures are fatal at
// startup, validation/simulation/revert failures are per-request and
// client-visible, infrastructure failures are transient.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates invalid startup configuration.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// ErrCodeValidation indicates a malformed or policy-violating request.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeSimulation indicates an on-chain simulation revert.
	ErrCodeSimulation ErrorCode = "SIMULATION_ERROR"

	// ErrCodeRevert indicates an on-chain execution revert.
	ErrCodeRevert ErrorCode = "REVERT_ERROR"

	// ErrCodeInfrastructure indicates an RPC timeout or unreachable node.
	ErrCodeInfrastructure ErrorCode = "INFRASTRUCTURE_ERROR"

	// ErrCodeUnexpected indicates an uncategorized internal failure.
	ErrCodeUnexpected ErrorCode = "UNEXPECTED_ERROR"
)

// FacilitatorError provides structured error information.
type FacilitatorError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *FacilitatorError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *FacilitatorError) Unwrap() error {
	return e.Err
}

// NewFacilitatorError creates a FacilitatorError with the given code and message.
func NewFacilitatorError(code ErrorCode, message string, err error) *FacilitatorError {
	return &FacilitatorError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional context to the error.
func (e *FacilitatorError) WithDetails(key string, value interface{}) *FacilitatorError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the error code from err, walking the wrap chain. Errors
// without a FacilitatorError in the chain are classified as unexpected.
func CodeOf(err error) ErrorCode {
	var fe *FacilitatorError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeUnexpected
}
