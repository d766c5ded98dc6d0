package fee

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
	"github.com/mark3labs/x402x/gas"
)

// Config tunes the fee requirement. Multipliers and tolerances are expressed
// in basis points so every comparison stays in integer arithmetic.
type Config struct {
	// SafetyMultiplierBips scales the raw gas cost. 15000 means the fee must
	// cover 1.5x the estimated cost.
	SafetyMultiplierBips uint64

	// ToleranceBips discounts the requirement at the acceptance boundary.
	// 1000 means a fee down to 90% of the requirement is still accepted.
	ToleranceBips uint64

	// MinGasLimit and MaxGasLimit clamp the estimate before fee computation.
	MinGasLimit uint64
	MaxGasLimit uint64
}

// DefaultConfig matches the deployed facilitator defaults.
var DefaultConfig = Config{
	SafetyMultiplierBips: 15000,
	ToleranceBips:        1000,
	MinGasLimit:          60_000,
	MaxGasLimit:          2_000_000,
}

// Calculation is the full per-request fee breakdown returned to clients on
// rejection. USD fields are display-only; acceptance is decided on the
// atomic-unit integers.
type Calculation struct {
	GasLimit         uint64   `json:"gasLimit"`
	MaxGasLimit      uint64   `json:"maxGasLimit"`
	GasPrice         *big.Int `json:"gasPrice"`
	GasCostNative    *big.Int `json:"gasCostNative"`
	GasCostUSD       float64  `json:"gasCostUSD"`
	SafetyMultiplier float64  `json:"safetyMultiplier"`
	FinalCostUSD     float64  `json:"finalCostUSD"`

	// MinFacilitatorFee is the required fee in token atomic units, before the
	// tolerance discount.
	MinFacilitatorFee    *big.Int `json:"minFacilitatorFee"`
	MinFacilitatorFeeUSD float64  `json:"minFacilitatorFeeUSD"`

	// Threshold is the lowest accepted fee after the tolerance discount.
	Threshold *big.Int `json:"threshold"`

	// ProvidedFee is the fee the request declared.
	ProvidedFee *big.Int `json:"providedFee"`

	// Accepted reports the validation outcome.
	Accepted bool `json:"accepted"`

	// EstimationStrategy names the gas strategy behind GasLimit.
	EstimationStrategy string `json:"estimationStrategy"`
}

// Validator computes the minimum viable facilitator fee for a settlement and
// checks the declared fee against it.
type Validator struct {
	estimator gas.Estimator
	backend   evm.Backend
	prices    PriceSource
	cfg       Config
	log       log.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the validator's logger.
func WithValidatorLogger(l log.Logger) ValidatorOption {
	return func(v *Validator) { v.log = l }
}

// NewValidator wires a validator from its collaborators.
func NewValidator(estimator gas.Estimator, backend evm.Backend, prices PriceSource, cfg Config, opts ...ValidatorOption) *Validator {
	if cfg.SafetyMultiplierBips == 0 {
		cfg.SafetyMultiplierBips = DefaultConfig.SafetyMultiplierBips
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = DefaultConfig.MaxGasLimit
	}
	v := &Validator{
		estimator: estimator,
		backend:   backend,
		prices:    prices,
		cfg:       cfg,
		log:       log.New("component", "fee-validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

const (
	bipsDenominator = 10_000
	// microUSD is the fixed-point scale prices are converted to before the
	// integer fee math.
	microUSD     = 1_000_000
	weiPerNative = 1e18
)

// Validate runs the full fee check for one settlement. The returned
// Calculation is populated in every outcome; a nil error means the fee is
// accepted. Rejections return a VALIDATION-class error wrapping
// ErrInsufficientFee with the breakdown attached.
func (v *Validator) Validate(ctx context.Context, p gas.Params) (*Calculation, error) {
	provided := p.Settle.FacilitatorFee
	if provided == nil || provided.Sign() < 0 {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"facilitatorFee must be a non-negative integer", x402x.ErrMalformedPayload)
	}

	est, err := v.estimator.EstimateGas(ctx, p)
	if err != nil {
		return nil, err
	}
	if !est.Valid {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			fmt.Sprintf("settlement would fail: %s", est.Reason), nil)
	}

	gasLimit := clamp(est.GasLimit, v.cfg.MinGasLimit, v.cfg.MaxGasLimit)

	gasPrice, err := v.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, evm.ClassifyError(err)
	}

	nativeUSD, err := v.prices.USDPrice(ctx, p.Network.NativeSymbol)
	if err != nil {
		return nil, err
	}
	tokenUSD, err := v.prices.USDPrice(ctx, p.Network.Asset.Symbol)
	if err != nil {
		return nil, err
	}
	nativeMicro := usdToMicro(nativeUSD)
	tokenMicro := usdToMicro(tokenUSD)
	if nativeMicro.Sign() <= 0 || tokenMicro.Sign() <= 0 {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"asset prices must be positive", nil)
	}

	// gasCost and requiredWei are in wei; the division by 10^18 happens only
	// after every multiplication so nothing truncates early.
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	requiredWei := mulBips(gasCost, v.cfg.SafetyMultiplierBips)

	// requiredFee(token) = requiredWei * nativeUSD * 10^decimals / (tokenUSD * 10^18)
	required := new(big.Int).Mul(requiredWei, nativeMicro)
	required.Mul(required, pow10(p.Network.Asset.Decimals))
	required.Div(required, tokenMicro)
	required.Div(required, big.NewInt(weiPerNative))

	threshold := mulBips(required, bipsDenominator-v.cfg.ToleranceBips)

	calc := &Calculation{
		GasLimit:             gasLimit,
		MaxGasLimit:          v.cfg.MaxGasLimit,
		GasPrice:             gasPrice,
		GasCostNative:        gasCost,
		GasCostUSD:           weiToUSD(gasCost, nativeUSD),
		SafetyMultiplier:     float64(v.cfg.SafetyMultiplierBips) / bipsDenominator,
		FinalCostUSD:         weiToUSD(requiredWei, nativeUSD),
		MinFacilitatorFee:    required,
		MinFacilitatorFeeUSD: tokenToUSD(required, p.Network.Asset.Decimals, tokenUSD),
		Threshold:            threshold,
		ProvidedFee:          provided,
		Accepted:             provided.Cmp(threshold) >= 0,
		EstimationStrategy:   est.Strategy,
	}

	if !calc.Accepted {
		v.log.Debug("facilitator fee below threshold",
			"network", p.Network.Name, "provided", provided, "threshold", threshold,
			"gasLimit", gasLimit, "gasPrice", gasPrice)
		return calc, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			fmt.Sprintf("facilitator fee %s below required threshold %s", provided, threshold),
			x402x.ErrInsufficientFee).
			WithDetails("feeCalculation", calc)
	}
	return calc, nil
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mulBips(v *big.Int, bips uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(bips))
	return out.Div(out, big.NewInt(bipsDenominator))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func usdToMicro(usd float64) *big.Int {
	return big.NewInt(int64(math.Round(usd * microUSD)))
}

func weiToUSD(wei *big.Int, usd float64) float64 {
	f, _ := new(big.Float).SetInt(wei).Float64()
	return f / weiPerNative * usd
}

func tokenToUSD(atomic *big.Int, decimals int, usd float64) float64 {
	f, _ := new(big.Float).SetInt(atomic).Float64()
	return f / math.Pow10(decimals) * usd
}
