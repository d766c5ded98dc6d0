package x402x

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// HookKind classifies a post-payment hook address. Builtin kinds have known
// bytecode and analytic gas-cost formulas; everything else is custom and must
// be simulated.
type HookKind int

const (
	// HookNone means the zero address: settlement without a hook.
	HookNone HookKind = iota
	// HookTransfer is the builtin single-recipient forwarding hook.
	HookTransfer
	// HookSplit is the builtin multi-recipient revenue-split hook.
	HookSplit
	// HookCustom is any hook address not in the builtin table.
	HookCustom
)

// String returns the hook kind label used in logs and estimation metadata.
func (k HookKind) String() string {
	switch k {
	case HookNone:
		return "none"
	case HookTransfer:
		return "transfer"
	case HookSplit:
		return "split"
	default:
		return "custom"
	}
}

// AssetConfig describes the default payment asset of a network.
type AssetConfig struct {
	// Address is the token contract address.
	Address common.Address

	// Symbol is the ticker used for pricing ("USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// EIP712Name is the EIP-712 domain parameter "name".
	EIP712Name string

	// EIP712Version is the EIP-712 domain parameter "version".
	EIP712Version string
}

// NetworkConfig is the immutable per-network record: chain identity, RPC
// endpoint, deployed contract addresses, and gas model. Loaded once at
// startup and read-only afterward.
type NetworkConfig struct {
	// Name is the legacy human-readable network identifier ("base-sepolia").
	Name string

	// ChainID is the EVM chain id. Always equals the numeric suffix of the
	// CAIP-2 id.
	ChainID uint64

	// RPCURL is the JSON-RPC endpoint, possibly environment-overridden.
	RPCURL string

	// SettlementRouter is the deployed router contract, or the zero address
	// on networks without a router deployment (v1-only networks).
	SettlementRouter common.Address

	// Asset is the default payment asset (USDC on all bundled networks).
	Asset AssetConfig

	// BuiltinHooks maps deployed builtin hook addresses to their kind.
	BuiltinHooks map[common.Address]HookKind

	// GasModel selects the fee strategy: "eip1559" or "legacy".
	GasModel string

	// NativeSymbol names the gas token for pricing ("ETH", "POL").
	NativeSymbol string
}

// CAIP2 returns the canonical CAIP-2 identifier, e.g. "eip155:84532".
func (c NetworkConfig) CAIP2() string {
	return fmt.Sprintf("eip155:%d", c.ChainID)
}

// HasRouter reports whether a settlement router is deployed on this network.
func (c NetworkConfig) HasRouter() bool {
	return c.SettlementRouter != (common.Address{})
}

// ClassifyHook resolves a hook address to its kind via the builtin table.
// This is the single decision point for the gas-estimation strategy split.
func (c NetworkConfig) ClassifyHook(hook common.Address) HookKind {
	if hook == (common.Address{}) {
		return HookNone
	}
	if kind, ok := c.BuiltinHooks[hook]; ok {
		return kind
	}
	return HookCustom
}

// Statically bundled network definitions. Router and hook addresses are the
// x402x deployments; USDC addresses and EIP-3009 parameters carried over from
// the verified upstream tables.
var builtinNetworks = []NetworkConfig{
	{
		Name:             "base",
		ChainID:          8453,
		RPCURL:           "https://mainnet.base.org",
		SettlementRouter: common.HexToAddress("0x8d0a87D50b8bE9cDA0E06a3A233A7bB7f9074f3C"),
		Asset: AssetConfig{
			Symbol:        "USDC",
			Address:       common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			Decimals:      6,
			EIP712Name:    "USD Coin",
			EIP712Version: "2",
		},
		BuiltinHooks: map[common.Address]HookKind{
			common.HexToAddress("0x4Ff5CbF34b3b5915152dd431B0c7c1681AE8a1a4"): HookTransfer,
			common.HexToAddress("0xB2c1e87950F1E97e450c5f8a576ce361A27afDb5"): HookSplit,
		},
		GasModel:     "eip1559",
		NativeSymbol: "ETH",
	},
	{
		Name:             "base-sepolia",
		ChainID:          84532,
		RPCURL:           "https://sepolia.base.org",
		SettlementRouter: common.HexToAddress("0x339bC7191E9dAd24c66FA0B576E566c79CBb8577"),
		Asset: AssetConfig{
			Symbol:        "USDC",
			Address:       common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Decimals:      6,
			EIP712Name:    "USDC",
			EIP712Version: "2",
		},
		BuiltinHooks: map[common.Address]HookKind{
			common.HexToAddress("0x0aF7471b5Eb3eD5c36A25aef93f0F311b8fcbdAc"): HookTransfer,
			common.HexToAddress("0x5c6A44D6f9E252bc03bc9AD1b0E1b0cBe4aB75a3"): HookSplit,
		},
		GasModel:     "eip1559",
		NativeSymbol: "ETH",
	},
	{
		Name:    "polygon",
		ChainID: 137,
		RPCURL:  "https://polygon-rpc.com",
		Asset: AssetConfig{
			Symbol:        "USDC",
			Address:       common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
			Decimals:      6,
			EIP712Name:    "USD Coin",
			EIP712Version: "2",
		},
		GasModel:     "eip1559",
		NativeSymbol: "POL",
	},
	{
		Name:    "polygon-amoy",
		ChainID: 80002,
		RPCURL:  "https://rpc-amoy.polygon.technology",
		Asset: AssetConfig{
			Symbol:        "USDC",
			Address:       common.HexToAddress("0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"),
			Decimals:      6,
			EIP712Name:    "USDC",
			EIP712Version: "2",
		},
		GasModel:     "eip1559",
		NativeSymbol: "POL",
	},
	{
		Name:    "avalanche",
		ChainID: 43114,
		RPCURL:  "https://api.avax.network/ext/bc/C/rpc",
		Asset: AssetConfig{
			Symbol:        "USDC",
			Address:       common.HexToAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"),
			Decimals:      6,
			EIP712Name:    "USD Coin",
			EIP712Version: "2",
		},
		GasModel:     "legacy",
		NativeSymbol: "AVAX",
	},
	{
		Name:    "avalanche-fuji",
		ChainID: 43113,
		RPCURL:  "https://api.avax-test.network/ext/bc/C/rpc",
		Asset: AssetConfig{
			Symbol:        "USDC",
			Address:       common.HexToAddress("0x5425890298aed601595a70AB815c96711a31Bc65"),
			Decimals:      6,
			EIP712Name:    "USD Coin",
			EIP712Version: "2",
		},
		GasModel:     "legacy",
		NativeSymbol: "AVAX",
	},
}

// ToCanonicalNetwork maps a network identifier in either form to its CAIP-2
// id. Already-canonical input passes through after a syntax check. Unknown
// legacy names return an error; unknown CAIP-2 ids pass through (networks can
// exist without a bundled definition).
func ToCanonicalNetwork(network string) (string, error) {
	if strings.HasPrefix(network, "eip155:") {
		if _, err := strconv.ParseUint(strings.TrimPrefix(network, "eip155:"), 10, 64); err != nil {
			return "", NewFacilitatorError(ErrCodeValidation, fmt.Sprintf("malformed CAIP-2 id %q", network), ErrUnsupportedNetwork)
		}
		return network, nil
	}
	for _, n := range builtinNetworks {
		if n.Name == network {
			return n.CAIP2(), nil
		}
	}
	return "", NewFacilitatorError(ErrCodeValidation, fmt.Sprintf("unknown network %q", network), ErrUnsupportedNetwork)
}

// FromCanonicalNetwork maps a CAIP-2 id back to its legacy name. The alias
// table is a strict bijection; ids without a bundled definition report false.
func FromCanonicalNetwork(caip2 string) (string, bool) {
	for _, n := range builtinNetworks {
		if n.CAIP2() == caip2 {
			return n.Name, true
		}
	}
	return "", false
}

// ChainResolver maps network identifiers to their full configuration. It is
// an explicitly constructed object: the composition root owns one instance
// and hands it to every component that needs chain metadata. Resolutions are
// cached per canonical id; a cache entry is immutable once populated, so
// first-populate races only cost duplicate work.
type ChainResolver struct {
	mu     sync.RWMutex
	cache  map[string]NetworkConfig
	getenv func(string) string
	log    log.Logger
}

// ResolverOption configures a ChainResolver.
type ResolverOption func(*ChainResolver)

// WithEnv overrides the environment lookup, for tests.
func WithEnv(getenv func(string) string) ResolverOption {
	return func(r *ChainResolver) { r.getenv = getenv }
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l log.Logger) ResolverOption {
	return func(r *ChainResolver) { r.log = l }
}

// NewChainResolver creates a resolver over the statically bundled networks.
func NewChainResolver(opts ...ResolverOption) *ChainResolver {
	r := &ChainResolver{
		cache:  make(map[string]NetworkConfig),
		getenv: os.Getenv,
		log:    log.New("component", "chain-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize eagerly resolves every bundled network so steady-state lookups
// are cache hits.
func (r *ChainResolver) Initialize() {
	for _, n := range builtinNetworks {
		if _, ok := r.Resolve(n.Name); !ok {
			r.log.Warn("failed to resolve bundled network", "network", n.Name)
		}
	}
}

// Resolve returns the configuration for a network given in either legacy or
// CAIP-2 form. An unknown network is reported as absent, not as an error:
// callers decide whether to warn-and-continue or fail hard.
func (r *ChainResolver) Resolve(network string) (NetworkConfig, bool) {
	canonical := network
	if !strings.HasPrefix(network, "eip155:") {
		c, err := ToCanonicalNetwork(network)
		if err != nil {
			return NetworkConfig{}, false
		}
		canonical = c
	}

	r.mu.RLock()
	cfg, ok := r.cache[canonical]
	r.mu.RUnlock()
	if ok {
		return cfg, true
	}

	base, ok := r.lookupStatic(canonical)
	if !ok {
		return NetworkConfig{}, false
	}

	// Environment override takes precedence over the bundled RPC URL, e.g.
	// BASE_SEPOLIA_RPC_URL.
	if override := r.getenv(rpcEnvKey(base.Name)); override != "" {
		base.RPCURL = override
		r.log.Debug("using RPC override", "network", base.Name, "url", override)
	}

	r.mu.Lock()
	r.cache[canonical] = base
	r.mu.Unlock()
	return base, true
}

// ResolveCanonical is Resolve restricted to CAIP-2 ids, used on the v2 path
// where the network has already been normalized.
func (r *ChainResolver) ResolveCanonical(caip2 string) (NetworkConfig, bool) {
	if !strings.HasPrefix(caip2, "eip155:") {
		return NetworkConfig{}, false
	}
	return r.Resolve(caip2)
}

// Networks returns the legacy names of all bundled networks.
func (r *ChainResolver) Networks() []string {
	names := make([]string, 0, len(builtinNetworks))
	for _, n := range builtinNetworks {
		names = append(names, n.Name)
	}
	return names
}

func (r *ChainResolver) lookupStatic(canonical string) (NetworkConfig, bool) {
	for _, n := range builtinNetworks {
		if n.CAIP2() == canonical {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// rpcEnvKey derives the RPC override variable name from a legacy network
// name: "base-sepolia" becomes "BASE_SEPOLIA_RPC_URL".
func rpcEnvKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_RPC_URL"
}
