package x402x

import (
	"strconv"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestAliasBijection(t *testing.T) {
	byName := map[string]bool{}
	byCAIP2 := map[string]bool{}

	for _, n := range builtinNetworks {
		if byName[n.Name] {
			t.Errorf("duplicate legacy name %q", n.Name)
		}
		byName[n.Name] = true

		caip2 := n.CAIP2()
		if byCAIP2[caip2] {
			t.Errorf("duplicate CAIP-2 id %q", caip2)
		}
		byCAIP2[caip2] = true

		// Round trip through both directions.
		canonical, err := ToCanonicalNetwork(n.Name)
		if err != nil {
			t.Fatalf("ToCanonicalNetwork(%q): %v", n.Name, err)
		}
		if canonical != caip2 {
			t.Errorf("ToCanonicalNetwork(%q) = %q, want %q", n.Name, canonical, caip2)
		}
		name, ok := FromCanonicalNetwork(caip2)
		if !ok || name != n.Name {
			t.Errorf("FromCanonicalNetwork(%q) = %q, %v, want %q", caip2, name, ok, n.Name)
		}
	}
}

func TestCAIP2SuffixMatchesChainID(t *testing.T) {
	for _, n := range builtinNetworks {
		suffix := strings.TrimPrefix(n.CAIP2(), "eip155:")
		id, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil || id != n.ChainID {
			t.Errorf("network %q: CAIP-2 suffix %q does not match chain id %d", n.Name, suffix, n.ChainID)
		}
	}
}

func TestToCanonicalNetwork(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"base-sepolia", "eip155:84532", false},
		{"base", "eip155:8453", false},
		{"eip155:84532", "eip155:84532", false},
		{"eip155:999999", "eip155:999999", false},
		{"eip155:abc", "", true},
		{"no-such-network", "", true},
	}
	for _, tt := range tests {
		got, err := ToCanonicalNetwork(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ToCanonicalNetwork(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ToCanonicalNetwork(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestResolveBothForms(t *testing.T) {
	r := NewChainResolver(WithEnv(func(string) string { return "" }))

	byName, ok := r.Resolve("base-sepolia")
	if !ok {
		t.Fatal("base-sepolia should resolve")
	}
	byCAIP2, ok := r.Resolve("eip155:84532")
	if !ok {
		t.Fatal("eip155:84532 should resolve")
	}
	if byName.ChainID != 84532 || byCAIP2.ChainID != 84532 {
		t.Errorf("wrong chain id: %d / %d", byName.ChainID, byCAIP2.ChainID)
	}
	if byName.SettlementRouter != byCAIP2.SettlementRouter {
		t.Error("both forms should resolve to the same configuration")
	}
}

func TestResolveUnknownNetworkIsAbsent(t *testing.T) {
	r := NewChainResolver(WithEnv(func(string) string { return "" }))
	if _, ok := r.Resolve("eip155:424242"); ok {
		t.Error("unknown chain id should be absent")
	}
	if _, ok := r.Resolve("bogus"); ok {
		t.Error("unknown legacy name should be absent")
	}
}

func TestResolveEnvOverride(t *testing.T) {
	env := map[string]string{"BASE_SEPOLIA_RPC_URL": "http://localhost:8545"}
	r := NewChainResolver(WithEnv(func(key string) string { return env[key] }))

	cfg, ok := r.Resolve("base-sepolia")
	if !ok {
		t.Fatal("base-sepolia should resolve")
	}
	if cfg.RPCURL != "http://localhost:8545" {
		t.Errorf("RPCURL = %q, want the env override", cfg.RPCURL)
	}

	base, ok := r.Resolve("base")
	if !ok || base.RPCURL != "https://mainnet.base.org" {
		t.Errorf("base should keep its bundled RPC URL, got %q", base.RPCURL)
	}
}

func TestResolveCachesFirstResult(t *testing.T) {
	calls := 0
	env := map[string]string{"BASE_SEPOLIA_RPC_URL": "http://first:8545"}
	r := NewChainResolver(WithEnv(func(key string) string {
		calls++
		return env[key]
	}))

	first, _ := r.Resolve("base-sepolia")
	env["BASE_SEPOLIA_RPC_URL"] = "http://second:8545"
	second, _ := r.Resolve("base-sepolia")

	if first.RPCURL != second.RPCURL {
		t.Error("cached resolution should be stable across env changes")
	}
	if calls != 1 {
		t.Errorf("env consulted %d times, want 1", calls)
	}
}

func TestInitializeResolvesAllBundledNetworks(t *testing.T) {
	r := NewChainResolver(WithEnv(func(string) string { return "" }))
	r.Initialize()

	for _, name := range r.Networks() {
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("bundled network %q should resolve after Initialize", name)
		}
	}
}

func TestResolveCanonicalRejectsLegacyNames(t *testing.T) {
	r := NewChainResolver(WithEnv(func(string) string { return "" }))
	if _, ok := r.ResolveCanonical("base-sepolia"); ok {
		t.Error("ResolveCanonical should reject legacy names")
	}
	if _, ok := r.ResolveCanonical("eip155:84532"); !ok {
		t.Error("ResolveCanonical should accept CAIP-2 ids")
	}
}

func TestClassifyHook(t *testing.T) {
	cfg, _ := NewChainResolver(WithEnv(func(string) string { return "" })).Resolve("base-sepolia")

	if kind := cfg.ClassifyHook(common.Address{}); kind != HookNone {
		t.Errorf("zero address = %v, want HookNone", kind)
	}
	for addr, want := range cfg.BuiltinHooks {
		if kind := cfg.ClassifyHook(addr); kind != want {
			t.Errorf("builtin hook %s = %v, want %v", addr, kind, want)
		}
	}
	custom := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	if kind := cfg.ClassifyHook(custom); kind != HookCustom {
		t.Errorf("unknown hook = %v, want HookCustom", kind)
	}
}

func TestRouterOnlyOnRouterNetworks(t *testing.T) {
	r := NewChainResolver(WithEnv(func(string) string { return "" }))

	withRouter := map[string]bool{"base": true, "base-sepolia": true}
	for _, name := range r.Networks() {
		cfg, _ := r.Resolve(name)
		if cfg.HasRouter() != withRouter[name] {
			t.Errorf("network %q: HasRouter = %v, want %v", name, cfg.HasRouter(), withRouter[name])
		}
	}
}
