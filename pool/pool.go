// Package pool manages a fixed set of blockchain signing accounts for one
// network. Each account owns a bounded FIFO work queue drained by a single
// consumer goroutine, so work routed to one account executes strictly
// serially while different accounts run concurrently.
package pool

import (
	"context"
	"crypto/ecdsa"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mark3labs/x402x"
)

// Strategy selects how accounts are assigned to incoming work.
type Strategy string

const (
	// StrategyRoundRobin cycles through accounts in construction order, one
	// index advance per Execute call. Guarantees even long-run distribution.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom picks a uniformly random account per call. No fairness
	// guarantee; useful when contention patterns are unpredictable.
	StrategyRandom Strategy = "random"
)

// DefaultMaxQueueDepth bounds queued plus in-flight work per account.
const DefaultMaxQueueDepth = 10

// WorkFunc is one unit of work executed with exclusive access to an account.
type WorkFunc func(ctx context.Context, acct *Account) error

// Work item lifecycle. Exactly one side wins the queued state: the consumer
// claims it to run, or a canceled caller abandons it. Once running, the
// caller must wait for done before reading err, so the work function's
// writes are never observed mid-flight.
const (
	itemQueued int32 = iota
	itemRunning
	itemAbandoned
)

type workItem struct {
	ctx   context.Context
	fn    WorkFunc
	state atomic.Int32
	done  chan struct{}
	err   error
}

// Account is one signing keypair bound to a network, owned exclusively by the
// pool that created it.
type Account struct {
	address common.Address
	key     *ecdsa.PrivateKey

	work           chan *workItem
	queueDepth     atomic.Int64
	totalProcessed atomic.Uint64
}

// Address returns the account's derived address.
func (a *Account) Address() common.Address { return a.address }

// Key returns the account's signing key. Only the work function executing on
// this account may use it.
func (a *Account) Key() *ecdsa.PrivateKey { return a.key }

// QueueDepth returns the count of queued plus in-flight work items.
func (a *Account) QueueDepth() int { return int(a.queueDepth.Load()) }

// TotalProcessed returns the number of completed work items, failures
// included.
func (a *Account) TotalProcessed() uint64 { return a.totalProcessed.Load() }

func (a *Account) run(wg *sync.WaitGroup, m *Metrics, network string) {
	defer wg.Done()
	for item := range a.work {
		// An item abandoned by its caller while queued is skipped, not run.
		if !item.state.CompareAndSwap(itemQueued, itemRunning) {
			item.err = item.ctx.Err()
		} else if err := item.ctx.Err(); err != nil {
			item.err = err
		} else {
			item.err = item.fn(item.ctx, a)
		}
		a.queueDepth.Add(-1)
		a.totalProcessed.Add(1)
		m.observeCompleted(network, a.address)
		m.setQueueDepth(network, a.address, a.QueueDepth())
		close(item.done)
	}
}

// AccountInfo is an observability snapshot of one account.
type AccountInfo struct {
	Address        common.Address `json:"address"`
	TotalProcessed uint64         `json:"totalProcessed"`
	QueueDepth     int            `json:"queueDepth"`
}

// AccountPool owns an ordered, non-empty list of accounts for one network.
// Replaced wholesale on reconfiguration, never mutated in place.
type AccountPool struct {
	network  string
	accounts []*Account

	strategy      Strategy
	maxQueueDepth int
	next          atomic.Uint64
	randInt       func(n int) int

	inflightMu sync.Mutex
	inflight   map[common.Address]int

	closeMu sync.RWMutex
	closed  atomic.Bool
	wg      sync.WaitGroup
	log     log.Logger
	metrics *Metrics
}

// Option configures an AccountPool.
type Option func(*AccountPool)

// WithStrategy sets the account selection strategy.
func WithStrategy(s Strategy) Option {
	return func(p *AccountPool) { p.strategy = s }
}

// WithMaxQueueDepth bounds each account's queue. Applied at construction;
// values below 1 are ignored.
func WithMaxQueueDepth(depth int) Option {
	return func(p *AccountPool) {
		if depth >= 1 {
			p.maxQueueDepth = depth
		}
	}
}

// WithLogger sets the pool's logger.
func WithLogger(l log.Logger) Option {
	return func(p *AccountPool) { p.log = l }
}

// WithMetrics attaches prometheus metrics to the pool.
func WithMetrics(m *Metrics) Option {
	return func(p *AccountPool) { p.metrics = m }
}

// WithRand overrides the random index source, for tests.
func WithRand(f func(n int) int) Option {
	return func(p *AccountPool) { p.randInt = f }
}

// New creates a pool from private keys. Fails with a configuration error when
// the key list is empty; every key is bound to the given network for the
// pool's lifetime.
func New(keys []*ecdsa.PrivateKey, network string, opts ...Option) (*AccountPool, error) {
	if len(keys) == 0 {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"account pool requires at least one private key", x402x.ErrNoAccounts).
			WithDetails("network", network)
	}

	p := &AccountPool{
		network:       network,
		strategy:      StrategyRoundRobin,
		maxQueueDepth: DefaultMaxQueueDepth,
		inflight:      make(map[common.Address]int),
		randInt:       rand.Intn,
		log:           log.New("component", "account-pool", "network", network),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, key := range keys {
		acct := &Account{
			address: crypto.PubkeyToAddress(key.PublicKey),
			key:     key,
			work:    make(chan *workItem, p.maxQueueDepth),
		}
		p.accounts = append(p.accounts, acct)
		p.wg.Add(1)
		go acct.run(&p.wg, p.metrics, network)
	}

	p.log.Info("account pool created",
		"accounts", len(p.accounts),
		"strategy", string(p.strategy),
		"maxQueueDepth", p.maxQueueDepth)
	return p, nil
}

// Execute selects an account per the configured strategy, enqueues fn on that
// account's serial queue, and waits for completion. Errors returned by fn
// propagate unchanged; the pool never retries. A full queue is rejected
// immediately with ErrAccountBusy. Context cancellation abandons the item
// only while it is still queued; once fn has started, Execute waits for it
// to finish.
//
// payer is a correlation identifier only: concurrent settlements from the
// same payer are logged, not blocked. The zero address disables tracking.
func (p *AccountPool) Execute(ctx context.Context, payer common.Address, fn WorkFunc) error {
	if p.closed.Load() {
		return x402x.ErrPoolClosed
	}

	acct := p.selectAccount()

	if payer != (common.Address{}) {
		if n := p.trackPayer(payer, 1); n > 1 {
			p.log.Warn("concurrent settlement from same payer",
				"payer", payer, "inflight", n, "account", acct.address)
		}
		defer p.trackPayer(payer, -1)
	}

	item := &workItem{ctx: ctx, fn: fn, done: make(chan struct{})}
	start := time.Now()

	// The send is guarded against Close closing the channel underneath it.
	p.closeMu.RLock()
	if p.closed.Load() {
		p.closeMu.RUnlock()
		return x402x.ErrPoolClosed
	}
	select {
	case acct.work <- item:
		acct.queueDepth.Add(1)
		p.metrics.setQueueDepth(p.network, acct.address, acct.QueueDepth())
		p.closeMu.RUnlock()
	default:
		p.closeMu.RUnlock()
		p.metrics.observeBusy(p.network)
		return x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure,
			"account work queue is full", x402x.ErrAccountBusy).
			WithDetails("account", acct.address.Hex()).
			WithDetails("queueDepth", acct.QueueDepth())
	}

	select {
	case <-item.done:
		p.metrics.observeExecute(p.network, time.Since(start))
		return item.err
	case <-ctx.Done():
		if item.state.CompareAndSwap(itemQueued, itemAbandoned) {
			// Still queued; the consumer skips it once its turn comes.
			return ctx.Err()
		}
		// The work function already started. Wait it out so the caller
		// never reads its results while it is still writing them.
		<-item.done
		p.metrics.observeExecute(p.network, time.Since(start))
		return item.err
	}
}

// InflightForPayer returns the number of in-flight Execute calls correlated
// with the payer.
func (p *AccountPool) InflightForPayer(payer common.Address) int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	return p.inflight[payer]
}

func (p *AccountPool) trackPayer(payer common.Address, delta int) int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	p.inflight[payer] += delta
	n := p.inflight[payer]
	if n <= 0 {
		delete(p.inflight, payer)
	}
	return n
}

func (p *AccountPool) selectAccount() *Account {
	switch p.strategy {
	case StrategyRandom:
		return p.accounts[p.randInt(len(p.accounts))]
	default:
		idx := p.next.Add(1) - 1
		return p.accounts[idx%uint64(len(p.accounts))]
	}
}

// Network returns the network this pool's accounts are bound to.
func (p *AccountPool) Network() string { return p.network }

// AccountCount returns the number of accounts in the pool.
func (p *AccountPool) AccountCount() int { return len(p.accounts) }

// TotalProcessed returns the number of completed Execute calls across all
// accounts.
func (p *AccountPool) TotalProcessed() uint64 {
	var total uint64
	for _, a := range p.accounts {
		total += a.TotalProcessed()
	}
	return total
}

// AccountsInfo returns a per-account observability snapshot.
func (p *AccountPool) AccountsInfo() []AccountInfo {
	infos := make([]AccountInfo, 0, len(p.accounts))
	for _, a := range p.accounts {
		infos = append(infos, AccountInfo{
			Address:        a.address,
			TotalProcessed: a.TotalProcessed(),
			QueueDepth:     a.QueueDepth(),
		})
	}
	return infos
}

// Addresses returns every account address in construction order.
func (p *AccountPool) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(p.accounts))
	for _, a := range p.accounts {
		addrs = append(addrs, a.address)
	}
	return addrs
}

// Close stops accepting work, drains the queues, and waits for the consumers
// to exit.
func (p *AccountPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.closeMu.Lock()
	for _, a := range p.accounts {
		close(a.work)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}
