package facilitator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
)

// validitySkew is the minimum remaining authorization lifetime: a settlement
// submitted right at the validBefore edge would land in a block past it.
const validitySkew = 6 * time.Second

// v1Request is a validated legacy payment ready for settlement.
type v1Request struct {
	nc        *netContext
	canonical string
	token     common.Address
	auth      evm.Authorization
	signature []byte
}

// v2Request is a validated router settlement ready for fee validation and
// submission.
type v2Request struct {
	nc        *netContext
	canonical string
	payer     common.Address
	extra     *x402x.SettlementExtra
	settle    evm.SettleParams
}

// Verify checks a payment without touching the chain state or the account
// pool. Validation failures come back as an invalid response, not an error;
// errors are reserved for infrastructure problems.
func (f *Facilitator) Verify(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.VerifyResponse, error) {
	switch x402x.DetectVersion(req) {
	case x402x.VersionRouter:
		if !f.cfg.V2Enabled {
			return &x402x.VerifyResponse{IsValid: false, InvalidReason: "router settlement is not enabled"}, nil
		}
		v2, err := f.validateV2(ctx, req)
		if err != nil {
			return verifyFailure(err)
		}
		if f.cfg.ProbeSettled {
			router := evm.NewRouter(v2.extra.SettlementRouter, v2.nc.backend)
			key := evm.ContextKey(v2.settle.Token, v2.payer, v2.settle.Nonce)
			settled, err := router.IsSettled(ctx, key)
			if err != nil {
				// The probe is advisory; settling an already-settled payment
				// still fails on-chain.
				f.log.Warn("isSettled probe failed", "network", v2.nc.cfg.Name, "err", err)
			} else if settled {
				return &x402x.VerifyResponse{IsValid: false, InvalidReason: "payment already settled", Payer: v2.payer.Hex()}, nil
			}
		}
		return &x402x.VerifyResponse{IsValid: true, Payer: v2.payer.Hex()}, nil

	case x402x.VersionLegacy:
		v1, err := f.validateV1(ctx, req)
		if err != nil {
			return verifyFailure(err)
		}
		return &x402x.VerifyResponse{IsValid: true, Payer: v1.auth.From.Hex()}, nil

	default:
		return &x402x.VerifyResponse{IsValid: false, InvalidReason: "unsupported x402 version"}, nil
	}
}

// verifyFailure maps client-caused failures to an invalid response and lets
// infrastructure failures surface as errors.
func verifyFailure(err error) (*x402x.VerifyResponse, error) {
	switch x402x.CodeOf(err) {
	case x402x.ErrCodeValidation, x402x.ErrCodeSimulation, x402x.ErrCodeRevert:
		return &x402x.VerifyResponse{IsValid: false, InvalidReason: reasonOf(err)}, nil
	}
	return nil, err
}

// reasonOf extracts the client-readable message from a classified error.
func reasonOf(err error) string {
	var fe *x402x.FacilitatorError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

func (f *Facilitator) validateV1(ctx context.Context, req *x402x.FacilitatorRequest) (*v1Request, error) {
	if err := checkScheme(req); err != nil {
		return nil, err
	}
	nc, err := f.network(ctx, req.PaymentPayload.Network)
	if err != nil {
		return nil, err
	}

	payload, err := x402x.DecodeEVMPayload(req.PaymentPayload.Payload)
	if err != nil {
		return nil, err
	}
	auth, err := parseAuthorization(payload.Authorization)
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(payload.Signature)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature is not valid hex", x402x.ErrInvalidSignature)
	}

	token, err := requirementToken(req, nc.cfg)
	if err != nil {
		return nil, err
	}
	if req.PaymentRequirements.PayTo != "" && auth.To != common.HexToAddress(req.PaymentRequirements.PayTo) {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"authorization recipient does not match payTo", nil)
	}
	if err := checkAmount(auth.Value, req.PaymentRequirements.MaxAmountRequired); err != nil {
		return nil, err
	}
	if err := checkWindow(auth.ValidAfter, auth.ValidBefore); err != nil {
		return nil, err
	}

	digest, err := evm.AuthorizationDigest(token, chainID(nc.cfg), nc.cfg.Asset.EIP712Name, nc.cfg.Asset.EIP712Version, auth)
	if err != nil {
		return nil, err
	}
	recovered, err := evm.RecoverAuthorizer(digest, payload.Signature)
	if err != nil {
		return nil, err
	}
	if recovered != auth.From {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature does not match the payer address", x402x.ErrInvalidSignature)
	}

	return &v1Request{
		nc:        nc,
		canonical: nc.cfg.Name,
		token:     token,
		auth:      auth,
		signature: sig,
	}, nil
}

func (f *Facilitator) validateV2(ctx context.Context, req *x402x.FacilitatorRequest) (*v2Request, error) {
	if err := checkScheme(req); err != nil {
		return nil, err
	}
	nc, err := f.network(ctx, req.PaymentPayload.Network)
	if err != nil {
		return nil, err
	}
	canonical := nc.cfg.CAIP2()

	extra, err := x402x.ParseSettlementExtra(req.PaymentRequirements.Extra)
	if err != nil {
		return nil, err
	}
	if extra == nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"router settlement requires settlementRouter in requirements.extra", x402x.ErrInvalidExtra)
	}
	if !f.routerAllowed(canonical, nc.cfg, extra.SettlementRouter) {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"settlement router is not whitelisted for "+canonical, x402x.ErrRouterNotWhitelisted).
			WithDetails("settlementRouter", extra.SettlementRouter.Hex())
	}

	payload, err := x402x.DecodeRouterPayload(req.PaymentPayload.Payload)
	if err != nil {
		return nil, err
	}
	payer := common.HexToAddress(payload.Payer)
	value, _ := new(big.Int).SetString(payload.Value, 10)
	validAfter, _ := new(big.Int).SetString(payload.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(payload.ValidBefore, 10)
	nonce := common.HexToHash(payload.Nonce)
	sig, err := hexutil.Decode(payload.Signature)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature is not valid hex", x402x.ErrInvalidSignature)
	}

	token, err := requirementToken(req, nc.cfg)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(value, req.PaymentRequirements.MaxAmountRequired); err != nil {
		return nil, err
	}
	if err := checkWindow(validAfter, validBefore); err != nil {
		return nil, err
	}
	if extra.FacilitatorFee.Cmp(value) > 0 {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"facilitator fee exceeds the payment value", nil)
	}

	settle := evm.SettleParams{
		Token:          token,
		From:           payer,
		Value:          value,
		ValidAfter:     validAfter,
		ValidBefore:    validBefore,
		Nonce:          nonce,
		Signature:      sig,
		Salt:           extra.Salt,
		PayTo:          extra.PayTo,
		FacilitatorFee: extra.FacilitatorFee,
		Hook:           extra.Hook,
		HookData:       extra.HookData,
	}

	// The nonce must be the commitment hash: a payer signature over it binds
	// every settlement parameter, router and hook included.
	commitment := evm.ComputeCommitment(chainID(nc.cfg), extra.SettlementRouter, settle)
	if commitment != nonce {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"nonce does not match the settlement commitment", nil).
			WithDetails("expectedCommitment", commitment.Hex())
	}

	auth := evm.Authorization{
		From:        payer,
		To:          extra.SettlementRouter,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	digest, err := evm.AuthorizationDigest(token, chainID(nc.cfg), nc.cfg.Asset.EIP712Name, nc.cfg.Asset.EIP712Version, auth)
	if err != nil {
		return nil, err
	}
	recovered, err := evm.RecoverAuthorizer(digest, payload.Signature)
	if err != nil {
		return nil, err
	}
	if recovered != payer {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature does not match the payer address", x402x.ErrInvalidSignature)
	}

	return &v2Request{
		nc:        nc,
		canonical: canonical,
		payer:     payer,
		extra:     extra,
		settle:    settle,
	}, nil
}

func checkScheme(req *x402x.FacilitatorRequest) error {
	scheme := x402x.NormalizeScheme(req.PaymentPayload.Scheme)
	if scheme != "" && scheme != SchemeExact {
		return x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"unsupported scheme "+scheme, x402x.ErrUnsupportedScheme)
	}
	return nil
}

// requirementToken resolves the payment token: the requirement's asset when
// declared, the network default otherwise.
func requirementToken(req *x402x.FacilitatorRequest, cfg x402x.NetworkConfig) (common.Address, error) {
	asset := req.PaymentRequirements.Asset
	if asset == "" {
		return cfg.Asset.Address, nil
	}
	if !common.IsHexAddress(asset) {
		return common.Address{}, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"asset must be a 20-byte hex address", x402x.ErrMalformedPayload)
	}
	return common.HexToAddress(asset), nil
}

func checkAmount(value *big.Int, required string) error {
	if required == "" {
		return nil
	}
	req, ok := new(big.Int).SetString(required, 10)
	if !ok {
		return x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"maxAmountRequired must be a decimal integer", x402x.ErrMalformedPayload)
	}
	if value.Cmp(req) < 0 {
		return x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"payment value is below the required amount", nil)
	}
	return nil
}

func checkWindow(validAfter, validBefore *big.Int) error {
	now := time.Now()
	if validAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"authorization is not yet valid", nil)
	}
	deadline := big.NewInt(now.Add(validitySkew).Unix())
	if validBefore.Cmp(deadline) <= 0 {
		return x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"authorization expires too soon to settle", nil)
	}
	return nil
}

// parseAuthorization converts the wire-format v1 authorization into its
// on-chain representation.
func parseAuthorization(a x402x.EVMAuthorization) (evm.Authorization, error) {
	var out evm.Authorization
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return out, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"authorization from/to must be 20-byte hex addresses", x402x.ErrMalformedPayload)
	}
	out.From = common.HexToAddress(a.From)
	out.To = common.HexToAddress(a.To)

	for _, f := range []struct {
		name string
		val  string
		dst  **big.Int
	}{
		{"value", a.Value, &out.Value},
		{"validAfter", a.ValidAfter, &out.ValidAfter},
		{"validBefore", a.ValidBefore, &out.ValidBefore},
	} {
		n, ok := new(big.Int).SetString(f.val, 10)
		if !ok || n.Sign() < 0 {
			return out, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
				f.name+" must be a non-negative decimal integer", x402x.ErrMalformedPayload)
		}
		*f.dst = n
	}

	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return out, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"nonce must be exactly 32 bytes of hex", x402x.ErrMalformedPayload)
	}
	out.Nonce = common.BytesToHash(nonce)
	return out, nil
}

func chainID(cfg x402x.NetworkConfig) *big.Int {
	return new(big.Int).SetUint64(cfg.ChainID)
}
