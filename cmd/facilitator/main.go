// The facilitator binary serves the x402x payment facilitator: payment
// verification and on-chain settlement over HTTP, with an internal ops
// server for metrics and health.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
	"github.com/mark3labs/x402x/facilitator"
	"github.com/mark3labs/x402x/fee"
	"github.com/mark3labs/x402x/gas"
	"github.com/mark3labs/x402x/httpapi"
	"github.com/mark3labs/x402x/pool"
)

const metricsNamespace = "x402x"

func main() {
	app := &cli.App{
		Name:  "facilitator",
		Usage: "x402x payment facilitator service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "public API listen address",
				Value:   ":8080",
				EnvVars: []string{"FACILITATOR_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "ops-addr",
				Usage:   "internal metrics/health listen address",
				Value:   ":7300",
				EnvVars: []string{"FACILITATOR_OPS_ADDR"},
			},
			&cli.StringSliceFlag{
				Name:    "private-key",
				Usage:   "hex-encoded signer private key (repeatable)",
				EnvVars: []string{"FACILITATOR_PRIVATE_KEYS"},
			},
			&cli.StringFlag{
				Name:    "mnemonic",
				Usage:   "BIP-39 mnemonic for deriving signer accounts",
				EnvVars: []string{"FACILITATOR_MNEMONIC"},
			},
			&cli.StringSliceFlag{
				Name:    "keystore",
				Usage:   "path to a go-ethereum keystore file (repeatable)",
				EnvVars: []string{"FACILITATOR_KEYSTORES"},
			},
			&cli.StringFlag{
				Name:    "keystore-password",
				Usage:   "password for the keystore files",
				EnvVars: []string{"FACILITATOR_KEYSTORE_PASSWORD"},
			},
			&cli.IntFlag{
				Name:    "account-count",
				Usage:   "number of accounts to derive from the mnemonic",
				Value:   5,
				EnvVars: []string{"FACILITATOR_ACCOUNT_COUNT"},
			},
			&cli.StringFlag{
				Name:    "pool-strategy",
				Usage:   "account selection strategy: round_robin or random",
				Value:   string(pool.StrategyRoundRobin),
				EnvVars: []string{"FACILITATOR_POOL_STRATEGY"},
			},
			&cli.IntFlag{
				Name:    "max-queue-depth",
				Usage:   "per-account work queue capacity",
				Value:   pool.DefaultMaxQueueDepth,
				EnvVars: []string{"FACILITATOR_MAX_QUEUE_DEPTH"},
			},
			&cli.BoolFlag{
				Name:    "enable-v2",
				Usage:   "serve router-settlement (x402x v2) requests",
				Value:   true,
				EnvVars: []string{"FACILITATOR_ENABLE_V2"},
			},
			&cli.StringSliceFlag{
				Name:    "router-whitelist",
				Usage:   "allowed settlement router as network=address (repeatable)",
				EnvVars: []string{"FACILITATOR_ROUTER_WHITELIST"},
			},
			&cli.DurationFlag{
				Name:    "receipt-timeout",
				Usage:   "how long to wait for a settlement receipt",
				Value:   60 * time.Second,
				EnvVars: []string{"FACILITATOR_RECEIPT_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "code-validation",
				Usage:   "use analytic gas costing for builtin hooks",
				Value:   true,
				EnvVars: []string{"FACILITATOR_CODE_VALIDATION"},
			},
			&cli.DurationFlag{
				Name:    "simulation-timeout",
				Usage:   "gas simulation RPC timeout",
				Value:   gas.DefaultSimulationConfig.Timeout,
				EnvVars: []string{"FACILITATOR_SIMULATION_TIMEOUT"},
			},
			&cli.Uint64Flag{
				Name:    "simulation-headroom-bips",
				Usage:   "buffer added to simulated gas estimates, in basis points",
				Value:   gas.DefaultSimulationConfig.HeadroomBips,
				EnvVars: []string{"FACILITATOR_SIMULATION_HEADROOM_BIPS"},
			},
			&cli.Uint64Flag{
				Name:    "fee-safety-bips",
				Usage:   "gas cost safety multiplier, in basis points",
				Value:   fee.DefaultConfig.SafetyMultiplierBips,
				EnvVars: []string{"FACILITATOR_FEE_SAFETY_BIPS"},
			},
			&cli.Uint64Flag{
				Name:    "fee-tolerance-bips",
				Usage:   "accepted shortfall below the required fee, in basis points",
				Value:   fee.DefaultConfig.ToleranceBips,
				EnvVars: []string{"FACILITATOR_FEE_TOLERANCE_BIPS"},
			},
			&cli.Uint64Flag{
				Name:    "min-gas-limit",
				Usage:   "lower clamp for settlement gas limits",
				Value:   fee.DefaultConfig.MinGasLimit,
				EnvVars: []string{"FACILITATOR_MIN_GAS_LIMIT"},
			},
			&cli.Uint64Flag{
				Name:    "max-gas-limit",
				Usage:   "upper clamp for settlement gas limits",
				Value:   fee.DefaultConfig.MaxGasLimit,
				EnvVars: []string{"FACILITATOR_MAX_GAS_LIMIT"},
			},
			&cli.StringSliceFlag{
				Name:    "static-price",
				Usage:   "pinned asset price as SYMBOL=USD (repeatable; omit to poll spot prices)",
				EnvVars: []string{"FACILITATOR_STATIC_PRICES"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"FACILITATOR_LOG_LEVEL"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "facilitator:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}

	keys, err := loadKeys(c)
	if err != nil {
		return err
	}
	logger.Info("loaded signer accounts", "count", len(keys))

	resolver := x402x.NewChainResolver(x402x.WithResolverLogger(logger.New("component", "chains")))
	resolver.Initialize()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	poolMetrics := pool.NewMetrics(metricsNamespace, registry)
	strategy, err := parseStrategy(c.String("pool-strategy"))
	if err != nil {
		return err
	}
	pools := pool.NewManager(func(network string) (*pool.AccountPool, error) {
		return pool.New(keys, network,
			pool.WithStrategy(strategy),
			pool.WithMaxQueueDepth(c.Int("max-queue-depth")),
			pool.WithLogger(logger.New("component", "pool", "network", network)),
			pool.WithMetrics(poolMetrics),
		)
	})
	defer pools.Close()

	whitelist, err := parseWhitelist(c.StringSlice("router-whitelist"))
	if err != nil {
		return err
	}

	prices, err := buildPriceSource(c, logger)
	if err != nil {
		return err
	}

	fac := facilitator.New(resolver, pools, dialBackend,
		prices,
		facilitator.Config{
			V2Enabled:       c.Bool("enable-v2"),
			RouterWhitelist: whitelist,
			ReceiptTimeout:  c.Duration("receipt-timeout"),
			ProbeSettled:    true,
			CodeValidation:  c.Bool("code-validation"),
			Simulation: gas.SimulationConfig{
				Timeout:      c.Duration("simulation-timeout"),
				HeadroomBips: c.Uint64("simulation-headroom-bips"),
			},
			Fee: fee.Config{
				SafetyMultiplierBips: c.Uint64("fee-safety-bips"),
				ToleranceBips:        c.Uint64("fee-tolerance-bips"),
				MinGasLimit:          c.Uint64("min-gas-limit"),
				MaxGasLimit:          c.Uint64("max-gas-limit"),
			},
		},
		facilitator.WithLogger(logger.New("component", "facilitator")),
		facilitator.WithSettlementMetrics(metricsNamespace, registry),
	)

	api := &http.Server{
		Addr:    c.String("listen-addr"),
		Handler: httpapi.NewAPI(fac, logger.New("component", "httpapi")).Router(),
	}
	ops := &http.Server{
		Addr:    c.String("ops-addr"),
		Handler: httpapi.OpsRouter(registry),
	}

	errCh := make(chan error, 2)
	go func() { errCh <- api.ListenAndServe() }()
	go func() { errCh <- ops.ListenAndServe() }()
	logger.Info("facilitator started",
		"listen", c.String("listen-addr"), "ops", c.String("ops-addr"),
		"v2", c.Bool("enable-v2"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = api.Shutdown(shutdownCtx)
	_ = ops.Shutdown(shutdownCtx)
	return nil
}

func newLogger(level string) (log.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace":
		lvl = log.LevelTrace
	case "debug":
		lvl = log.LevelDebug
	case "info":
		lvl = log.LevelInfo
	case "warn":
		lvl = log.LevelWarn
	case "error":
		lvl = log.LevelError
	case "crit":
		lvl = log.LevelCrit
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)
	return log.NewLogger(handler), nil
}

func loadKeys(c *cli.Context) ([]*ecdsa.PrivateKey, error) {
	if raw := c.StringSlice("private-key"); len(raw) > 0 {
		return pool.ParsePrivateKeys(raw)
	}
	if mnemonic := c.String("mnemonic"); mnemonic != "" {
		return pool.DeriveKeys(mnemonic, c.Int("account-count"))
	}
	if paths := c.StringSlice("keystore"); len(paths) > 0 {
		password := c.String("keystore-password")
		keys := make([]*ecdsa.PrivateKey, 0, len(paths))
		for _, path := range paths {
			key, err := pool.LoadKeystoreKey(path, password)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return keys, nil
	}
	return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
		"either private keys or a mnemonic must be configured", x402x.ErrNoAccounts)
}

func parseStrategy(s string) (pool.Strategy, error) {
	switch pool.Strategy(s) {
	case pool.StrategyRoundRobin, pool.StrategyRandom:
		return pool.Strategy(s), nil
	}
	return "", fmt.Errorf("unknown pool strategy %q", s)
}

func parseWhitelist(entries []string) (map[string][]common.Address, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := map[string][]common.Address{}
	for _, entry := range entries {
		network, addr, ok := strings.Cut(entry, "=")
		if !ok || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid whitelist entry %q, want network=address", entry)
		}
		canonical, err := x402x.ToCanonicalNetwork(network)
		if err != nil {
			return nil, err
		}
		out[canonical] = append(out[canonical], common.HexToAddress(addr))
	}
	return out, nil
}

func buildPriceSource(c *cli.Context, logger log.Logger) (fee.PriceSource, error) {
	entries := c.StringSlice("static-price")
	if len(entries) == 0 {
		return fee.NewSpotPriceClient(fee.WithSpotLogger(logger.New("component", "price-client"))), nil
	}
	static := fee.StaticPriceSource{}
	for _, entry := range entries {
		symbol, raw, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid static price %q, want SYMBOL=USD", entry)
		}
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid static price %q: not a positive number", entry)
		}
		static[strings.ToUpper(symbol)] = price
	}
	return static, nil
}

func dialBackend(ctx context.Context, cfg x402x.NetworkConfig) (evm.Backend, error) {
	return ethclient.DialContext(ctx, cfg.RPCURL)
}
