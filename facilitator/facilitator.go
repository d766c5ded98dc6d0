// Package facilitator implements the payment facilitator service: protocol
// version dispatch, payment verification, and on-chain settlement through
// either the legacy direct-transfer path or the settlement router.
package facilitator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
	"github.com/mark3labs/x402x/fee"
	"github.com/mark3labs/x402x/gas"
	"github.com/mark3labs/x402x/pool"
)

// SchemeExact is the only payment scheme the facilitator serves.
const SchemeExact = "exact"

// Service is the facilitator contract served over HTTP. Verify is read-only
// and safe at arbitrary concurrency; Settle submits transactions.
type Service interface {
	Verify(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.VerifyResponse, error)
	Settle(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.SettlementResponse, error)
	Supported(ctx context.Context, version int) (*x402x.SupportedResponse, error)
}

// BackendSource resolves a JSON-RPC backend for a network. The composition
// root supplies one backed by ethclient dials; tests supply fakes.
type BackendSource func(ctx context.Context, cfg x402x.NetworkConfig) (evm.Backend, error)

// Config is the facilitator's policy surface.
type Config struct {
	// V2Enabled gates the router-settlement path. Disabled, v2 requests are
	// rejected as unsupported.
	V2Enabled bool

	// RouterWhitelist maps canonical network ids to the settlement routers
	// settlements may flow through. A network with no entry falls back to
	// the statically configured router deployment for that network.
	RouterWhitelist map[string][]common.Address

	// ReceiptTimeout bounds how long a settle call waits for the transaction
	// receipt. Past the bound the settlement is reported as pending.
	ReceiptTimeout time.Duration

	// ProbeSettled enables the on-chain isSettled check during verify.
	ProbeSettled bool

	// CodeValidation enables the analytic gas fast path for builtin hooks.
	CodeValidation bool

	// Simulation tunes the simulation gas estimator.
	Simulation gas.SimulationConfig

	// Fee tunes the fee-sufficiency check.
	Fee fee.Config
}

// DefaultConfig enables v2 with a 60s receipt bound.
var DefaultConfig = Config{
	V2Enabled:      true,
	ReceiptTimeout: 60 * time.Second,
	ProbeSettled:   true,
	CodeValidation: true,
	Simulation:     gas.DefaultSimulationConfig,
	Fee:            fee.DefaultConfig,
}

// netContext is the lazily built per-network state: the dialed backend and
// the estimator/validator stack on top of it.
type netContext struct {
	cfg       x402x.NetworkConfig
	backend   evm.Backend
	estimator gas.Estimator
	validator *fee.Validator
}

// Facilitator dispatches verification and settlement requests across
// protocol versions and networks.
type Facilitator struct {
	resolver *x402x.ChainResolver
	pools    *pool.Manager
	backends BackendSource
	prices   fee.PriceSource
	cfg      Config
	log      log.Logger

	mu   sync.Mutex
	nets map[string]*netContext

	settlements *prometheus.CounterVec
}

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLogger sets the facilitator's logger.
func WithLogger(l log.Logger) Option {
	return func(f *Facilitator) { f.log = l }
}

// WithSettlementMetrics registers a settlement outcome counter labeled
// (network, version, outcome).
func WithSettlementMetrics(ns string, reg prometheus.Registerer) Option {
	return func(f *Facilitator) {
		f.settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "facilitator",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		}, []string{"network", "version", "outcome"})
		reg.MustRegister(f.settlements)
	}
}

// New wires a facilitator from its collaborators.
func New(resolver *x402x.ChainResolver, pools *pool.Manager, backends BackendSource, prices fee.PriceSource, cfg Config, opts ...Option) *Facilitator {
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = DefaultConfig.ReceiptTimeout
	}
	f := &Facilitator{
		resolver: resolver,
		pools:    pools,
		backends: backends,
		prices:   prices,
		cfg:      cfg,
		log:      log.New("component", "facilitator"),
		nets:     map[string]*netContext{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// network resolves a network identifier and builds (or reuses) its backend
// and estimation stack.
func (f *Facilitator) network(ctx context.Context, name string) (*netContext, error) {
	cfg, ok := f.resolver.Resolve(name)
	if !ok {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"unknown network "+name, x402x.ErrUnsupportedNetwork)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if nc, ok := f.nets[cfg.Name]; ok {
		return nc, nil
	}

	backend, err := f.backends(ctx, cfg)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure,
			"cannot reach rpc endpoint for "+cfg.Name, err)
	}

	sim := gas.NewSimulationBasedEstimator(backend, f.cfg.Simulation)
	smart := gas.NewSmartEstimator(gas.NewCodeBasedEstimator(), sim,
		gas.SmartConfig{CodeValidation: f.cfg.CodeValidation},
		gas.WithSmartLogger(f.log.New("network", cfg.Name)))

	nc := &netContext{
		cfg:       cfg,
		backend:   backend,
		estimator: smart,
		validator: fee.NewValidator(smart, backend, f.prices, f.cfg.Fee),
	}
	f.nets[cfg.Name] = nc
	return nc, nil
}

// routerAllowed checks the declared settlement router against the whitelist
// for the canonical network.
func (f *Facilitator) routerAllowed(canonical string, cfg x402x.NetworkConfig, router common.Address) bool {
	if allowed, ok := f.cfg.RouterWhitelist[canonical]; ok {
		for _, a := range allowed {
			if a == router {
				return true
			}
		}
		return false
	}
	return cfg.HasRouter() && cfg.SettlementRouter == router
}

// Supported lists the scheme/network kinds the facilitator serves. A nonzero
// version restricts the list to that protocol version.
func (f *Facilitator) Supported(_ context.Context, version int) (*x402x.SupportedResponse, error) {
	if version != 0 && version != x402x.VersionLegacy && version != x402x.VersionRouter {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"unsupported x402 version", x402x.ErrUnsupportedVersion)
	}

	names := f.resolver.Networks()
	sort.Strings(names)

	resp := &x402x.SupportedResponse{Kinds: []x402x.SupportedKind{}}
	for _, name := range names {
		cfg, ok := f.resolver.Resolve(name)
		if !ok {
			continue
		}
		if version == 0 || version == x402x.VersionLegacy {
			resp.Kinds = append(resp.Kinds, x402x.SupportedKind{
				X402Version: x402x.VersionLegacy,
				Scheme:      SchemeExact,
				Network:     cfg.Name,
			})
		}
		if f.cfg.V2Enabled && cfg.HasRouter() && (version == 0 || version == x402x.VersionRouter) {
			resp.Kinds = append(resp.Kinds, x402x.SupportedKind{
				X402Version: x402x.VersionRouter,
				Scheme:      SchemeExact,
				Network:     cfg.CAIP2(),
				Extra: map[string]interface{}{
					"settlementRouter": cfg.SettlementRouter.Hex(),
				},
			})
		}
	}
	return resp, nil
}

func (f *Facilitator) countSettlement(network string, version int, outcome string) {
	if f.settlements == nil {
		return
	}
	v := "v1"
	if version == x402x.VersionRouter {
		v = "v2"
	}
	f.settlements.WithLabelValues(network, v, outcome).Inc()
}
