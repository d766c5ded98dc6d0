// Package x402x contains the shared protocol types for the x402x facilitator:
// payment requirements, signed payment payloads for both protocol versions,
// and the settlement extension carried in PaymentRequirement.Extra that
// signals router-settlement mode.
//
// The facilitator service built on these types lives in the facilitator
// package; network metadata and CAIP-2 resolution live in chains.go.
package x402x

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Protocol versions understood by the facilitator.
const (
	// VersionLegacy is the original x402 protocol: direct EIP-3009 transfer
	// from payer to payTo, no router, no hooks.
	VersionLegacy = 1

	// VersionRouter is the x402x extension: settlement flows through the
	// settlement router contract, which deducts a facilitator fee and invokes
	// an optional post-payment hook atomically with the transfer.
	VersionRouter = 2
)

// PaymentRequirement represents a single payment option from a 402 response.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier. Either a legacy name
	// ("base-sepolia") or a CAIP-2 id ("eip155:84532") is accepted.
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment. In router mode the
	// on-chain recipient is the router; the final recipient is
	// SettlementExtra.PayTo.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource,omitempty"`

	// Description is an optional human-readable payment description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// Extra contains scheme-specific additional data. For router settlement
	// it carries the SettlementExtra fields.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload represents a signed payment submitted for verification or
// settlement.
type PaymentPayload struct {
	// X402Version is the protocol version. Zero means "not declared"; the
	// version is then inferred from the payload shape.
	X402Version int `json:"x402Version,omitempty"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the version-specific signed payment data:
	// EVMPayload for v1, RouterPayload for v2.
	Payload interface{} `json:"payload"`
}

// EVMPayload represents a v1 EVM payment with EIP-3009 authorization.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the EIP-3009 transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string to prevent replay attacks.
	Nonce string `json:"nonce"`
}

// RouterPayload represents a v2 router-settlement payment. Unlike the v1
// shape there is no nested authorization object: the EIP-3009 parameters are
// flat, the recipient is implied (the settlement router), and the nonce is
// the commitment hash binding every settlement parameter.
type RouterPayload struct {
	// Payer is the address whose funds are transferred.
	Payer string `json:"payer"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is the 32-byte commitment hash used as the EIP-3009 nonce.
	Nonce string `json:"nonce"`

	// Signature is the hex-encoded ECDSA signature over the EIP-3009 digest.
	Signature string `json:"signature"`
}

// SettlementExtra is the router-settlement payload carried in
// PaymentRequirement.Extra. It is constructed by the resource server and
// treated as an immutable value by the facilitator: parsed and validated once
// on ingress, never mutated.
type SettlementExtra struct {
	// SettlementRouter is the router contract the settlement must flow
	// through. It must appear in the facilitator's per-network whitelist.
	SettlementRouter common.Address

	// Salt is a 32-byte value making the commitment unique per payment.
	Salt common.Hash

	// PayTo is the final recipient of the funds after fee deduction.
	PayTo common.Address

	// FacilitatorFee is the fee, in the payment asset's atomic units, kept by
	// the facilitator to cover gas.
	FacilitatorFee *big.Int

	// Hook is the post-payment hook contract. The zero address means no hook.
	Hook common.Address

	// HookData is the opaque calldata forwarded to the hook.
	HookData []byte
}

// HasHook reports whether a post-payment hook is attached.
func (e *SettlementExtra) HasHook() bool {
	return e.Hook != (common.Address{})
}

// ParseSettlementExtra extracts and validates the router-settlement fields
// from a requirement's Extra map. It returns (nil, nil) when the extra map
// carries no settlementRouter field, i.e. the requirement is not in router
// mode.
func ParseSettlementExtra(extra map[string]interface{}) (*SettlementExtra, error) {
	if extra == nil {
		return nil, nil
	}
	routerRaw, ok := extra["settlementRouter"]
	if !ok {
		return nil, nil
	}

	router, err := extraAddress(routerRaw, "settlementRouter")
	if err != nil {
		return nil, err
	}

	saltStr, err := extraString(extra, "salt")
	if err != nil {
		return nil, err
	}
	saltBytes, err := hexutil.Decode(saltStr)
	if err != nil || len(saltBytes) != 32 {
		return nil, NewFacilitatorError(ErrCodeValidation, "salt must be exactly 32 bytes of hex", ErrInvalidExtra)
	}

	payToStr, err := extraString(extra, "payTo")
	if err != nil {
		return nil, err
	}
	payTo, err := extraAddress(payToStr, "payTo")
	if err != nil {
		return nil, err
	}

	feeStr, err := extraString(extra, "facilitatorFee")
	if err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(feeStr, 10)
	if !ok || fee.Sign() < 0 {
		return nil, NewFacilitatorError(ErrCodeValidation, "facilitatorFee must be a non-negative integer", ErrInvalidExtra)
	}

	out := &SettlementExtra{
		SettlementRouter: router,
		Salt:             common.BytesToHash(saltBytes),
		PayTo:            payTo,
		FacilitatorFee:   fee,
	}

	// hook and hookData are optional; zero address means no hook.
	if hookRaw, ok := extra["hook"]; ok {
		hook, err := extraAddress(hookRaw, "hook")
		if err != nil {
			return nil, err
		}
		out.Hook = hook
	}
	if dataRaw, ok := extra["hookData"]; ok {
		dataStr, ok := dataRaw.(string)
		if !ok {
			return nil, NewFacilitatorError(ErrCodeValidation, "hookData must be a hex string", ErrInvalidExtra)
		}
		if dataStr != "" && dataStr != "0x" {
			data, err := hexutil.Decode(dataStr)
			if err != nil {
				return nil, NewFacilitatorError(ErrCodeValidation, "hookData is not valid hex", ErrInvalidExtra)
			}
			out.HookData = data
		}
	}
	if !out.HasHook() && len(out.HookData) > 0 {
		return nil, NewFacilitatorError(ErrCodeValidation, "hookData supplied without a hook address", ErrInvalidExtra)
	}

	return out, nil
}

func extraString(extra map[string]interface{}, key string) (string, error) {
	raw, ok := extra[key]
	if !ok {
		return "", NewFacilitatorError(ErrCodeValidation, fmt.Sprintf("extra field %q is required for router settlement", key), ErrInvalidExtra)
	}
	s, ok := raw.(string)
	if !ok {
		return "", NewFacilitatorError(ErrCodeValidation, fmt.Sprintf("extra field %q must be a string", key), ErrInvalidExtra)
	}
	return s, nil
}

func extraAddress(raw interface{}, key string) (common.Address, error) {
	s, ok := raw.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, NewFacilitatorError(ErrCodeValidation, fmt.Sprintf("extra field %q must be a 20-byte hex address", key), ErrInvalidExtra)
	}
	return common.HexToAddress(s), nil
}

// FacilitatorRequest is the body shape shared by the /verify and /settle
// endpoints.
type FacilitatorRequest struct {
	X402Version         int                `json:"x402Version,omitempty"`
	PaymentPayload      PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse contains the payment verification result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResponse represents the facilitator's response after settlement.
type SettlementResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// ErrorReason provides details if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction,omitempty"`

	// Network is the canonical network where the payment was settled.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes one supported scheme/network pair.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists all payment kinds supported by the facilitator.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// DetectVersion determines the protocol version of a request. An explicit
// x402Version (on the request or the payload) wins; otherwise the version is
// inferred from the payload shape: a nested "authorization" object means v1,
// a flat "payer"+"signature" shape means v2. Anything else defaults to v1
// for backward compatibility.
func DetectVersion(req *FacilitatorRequest) int {
	if req.X402Version != 0 {
		return req.X402Version
	}
	if req.PaymentPayload.X402Version != 0 {
		return req.PaymentPayload.X402Version
	}
	if m, ok := req.PaymentPayload.Payload.(map[string]interface{}); ok {
		if _, hasAuth := m["authorization"]; hasAuth {
			return VersionLegacy
		}
		_, hasPayer := m["payer"]
		_, hasSig := m["signature"]
		if hasPayer && hasSig {
			return VersionRouter
		}
	}
	return VersionLegacy
}

// DecodeEVMPayload converts the loosely-typed payload of a v1 payment into
// its concrete struct.
func DecodeEVMPayload(raw interface{}) (*EVMPayload, error) {
	var p EVMPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if p.Signature == "" || p.Authorization.From == "" {
		return nil, NewFacilitatorError(ErrCodeValidation, "payload is missing signature or authorization", ErrMalformedPayload)
	}
	return &p, nil
}

// DecodeRouterPayload converts the loosely-typed payload of a v2 payment into
// its concrete struct and checks the structural invariants.
func DecodeRouterPayload(raw interface{}) (*RouterPayload, error) {
	var p RouterPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.Payer) {
		return nil, NewFacilitatorError(ErrCodeValidation, "payer must be a 20-byte hex address", ErrMalformedPayload)
	}
	if p.Signature == "" {
		return nil, NewFacilitatorError(ErrCodeValidation, "signature is required", ErrMalformedPayload)
	}
	if nonce, err := hexutil.Decode(p.Nonce); err != nil || len(nonce) != 32 {
		return nil, NewFacilitatorError(ErrCodeValidation, "nonce must be exactly 32 bytes of hex", ErrMalformedPayload)
	}
	for _, f := range []struct{ name, val string }{
		{"value", p.Value},
		{"validAfter", p.ValidAfter},
		{"validBefore", p.ValidBefore},
	} {
		n, ok := new(big.Int).SetString(f.val, 10)
		if !ok || n.Sign() < 0 {
			return nil, NewFacilitatorError(ErrCodeValidation, fmt.Sprintf("%s must be a non-negative decimal integer", f.name), ErrMalformedPayload)
		}
	}
	return &p, nil
}

// decodePayload round-trips an arbitrary decoded JSON value into a typed
// struct. Payloads arrive as map[string]interface{} from the HTTP layer but
// may already be typed when called in-process.
func decodePayload(raw interface{}, dst interface{}) error {
	switch v := raw.(type) {
	case nil:
		return NewFacilitatorError(ErrCodeValidation, "payload cannot be nil", ErrMalformedPayload)
	case json.RawMessage:
		if err := json.Unmarshal(v, dst); err != nil {
			return NewFacilitatorError(ErrCodeValidation, "payload does not match the expected shape", ErrMalformedPayload)
		}
		return nil
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return NewFacilitatorError(ErrCodeValidation, "payload is not serializable", ErrMalformedPayload)
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return NewFacilitatorError(ErrCodeValidation, "payload does not match the expected shape", ErrMalformedPayload)
		}
		return nil
	}
}

// NormalizeScheme lower-cases and trims a scheme identifier.
func NormalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
