package gas

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mark3labs/x402x"
)

// SmartConfig tunes the smart estimator's strategy selection.
type SmartConfig struct {
	// CodeValidation enables the analytic fast path for builtin hooks.
	// Disabled, every request is simulated.
	CodeValidation bool
}

// SmartEstimator decorates the code-based and simulation estimators with a
// two-branch decision: builtin hooks take the analytic fast path (saving one
// RPC round-trip per settlement), everything else is simulated. A code-based
// failure falls back to simulation exactly once; there are no further
// retries.
type SmartEstimator struct {
	code Estimator
	sim  Estimator
	cfg  SmartConfig
	log  log.Logger

	strategyTotal *prometheus.CounterVec
}

// SmartOption configures a SmartEstimator.
type SmartOption func(*SmartEstimator)

// WithSmartLogger sets the estimator's logger.
func WithSmartLogger(l log.Logger) SmartOption {
	return func(e *SmartEstimator) { e.log = l }
}

// WithStrategyCounter registers a counter of estimations per strategy,
// labeled (network, strategy, fallback).
func WithStrategyCounter(ns string, reg prometheus.Registerer) SmartOption {
	return func(e *SmartEstimator) {
		e.strategyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "gas",
			Name:      "estimations_total",
			Help:      "Gas estimations by strategy.",
		}, []string{"network", "strategy", "fallback"})
		reg.MustRegister(e.strategyTotal)
	}
}

// NewSmartEstimator builds the smart estimator over its two strategies.
func NewSmartEstimator(code, sim Estimator, cfg SmartConfig, opts ...SmartOption) *SmartEstimator {
	e := &SmartEstimator{
		code: code,
		sim:  sim,
		cfg:  cfg,
		log:  log.New("component", "gas-estimator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimateGas implements Estimator.
func (e *SmartEstimator) EstimateGas(ctx context.Context, p Params) (Result, error) {
	kind := p.Network.ClassifyHook(p.Settle.Hook)

	builtin := kind != x402x.HookCustom
	if builtin && e.cfg.CodeValidation {
		res, err := e.code.EstimateGas(ctx, p)
		if err == nil {
			e.count(p.Network.Name, res.Strategy, false)
			return res, nil
		}
		e.log.Warn("code-based estimation failed, falling back to simulation",
			"network", p.Network.Name, "hook", p.Settle.Hook, "err", err)
		res, err = e.sim.EstimateGas(ctx, p)
		if err == nil {
			e.count(p.Network.Name, res.Strategy, true)
		}
		return res, err
	}

	res, err := e.sim.EstimateGas(ctx, p)
	if err == nil {
		e.count(p.Network.Name, res.Strategy, false)
	}
	return res, err
}

func (e *SmartEstimator) count(network, strategy string, fallback bool) {
	if e.strategyTotal == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	e.strategyTotal.WithLabelValues(network, strategy, fb).Inc()
}
