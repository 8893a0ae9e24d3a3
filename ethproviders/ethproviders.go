package ethproviders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum"
	"github.com/rotki/nftkit"
)

// Caller is the read-only slice of an rpc provider used by this module.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNum *big.Int) ([]byte, error)
}

// Dialer builds a Caller for a single rpc url.
type Dialer func(url string) (Caller, error)

// DefaultDialer dials ethkit rpc providers sharing client.
func DefaultDialer(client *http.Client) Dialer {
	return func(url string) (Caller, error) {
		opts := []ethrpc.Option{}
		if client != nil {
			opts = append(opts, ethrpc.WithHTTPClient(client))
		}
		return ethrpc.NewProvider(url, opts...)
	}
}

const DefaultAttemptTimeout = 15 * time.Second

type Option func(*Providers)

func WithDialer(dial Dialer) Option {
	return func(p *Providers) {
		p.dial = dial
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Providers) {
		p.log = log
	}
}

type Providers struct {
	byID   map[uint64]*Chain
	byName map[string]*Chain

	allChainsList []ChainInfo
	mainnetsList  []ChainInfo
	testnetsList  []ChainInfo

	dial Dialer
	log  *slog.Logger
}

type ChainInfo struct {
	// ID is the globally unique chain ID. See https://chainlist.wtf
	ID uint64 `json:"id"`

	// Name is the canonical name of the chain, ie. "mainnet" or "sepolia".
	Name string `json:"name"`

	// Testnet is true if the chain is a testnet.
	Testnet bool `json:"testnet"`
}

func NewProviders(cfg Config, opts ...Option) (*Providers, error) {
	providers := &Providers{
		byID:   map[uint64]*Chain{},
		byName: map[string]*Chain{},
	}
	for _, opt := range opts {
		opt(providers)
	}
	if providers.dial == nil {
		providers.dial = DefaultDialer(nil)
	}
	if providers.log == nil {
		providers.log = slog.New(slog.DiscardHandler)
	}

	chainList := []ChainInfo{}
	for name, details := range cfg {
		if details.Disabled {
			continue
		}
		name = strings.ToLower(name)

		timeout := details.AttemptTimeout
		if timeout <= 0 {
			timeout = DefaultAttemptTimeout
		}
		chain := &Chain{
			Name:           name,
			ID:             details.ID,
			Testnet:        details.Testnet,
			urls:           append([]string{}, details.URLs...),
			attemptTimeout: timeout,
			dial:           providers.dial,
			callers:        map[string]Caller{},
			log:            providers.log.With(slog.String("chain", name), slog.Uint64("chainId", details.ID)),
		}
		if _, ok := providers.byID[details.ID]; ok {
			return nil, fmt.Errorf("duplicate provider id %d detected", details.ID)
		}
		providers.byID[details.ID] = chain
		providers.byName[name] = chain

		chainList = append(chainList, ChainInfo{ID: details.ID, Name: name, Testnet: details.Testnet})
	}

	// also record the chain number as string for easier lookup
	for k, c := range providers.byID {
		providers.byName[fmt.Sprintf("%d", k)] = c
	}

	sort.SliceStable(chainList, func(i, j int) bool {
		return chainList[i].ID < chainList[j].ID
	})
	providers.allChainsList = chainList

	for _, chain := range chainList {
		if chain.Testnet {
			providers.testnetsList = append(providers.testnetsList, chain)
		} else {
			providers.mainnetsList = append(providers.mainnetsList, chain)
		}
	}

	return providers, nil
}

// Get is a helper method which will allow you to fetch the chain by either
// the chain canonical name, or by the chain canonical id.
func (p *Providers) Get(chainHandle string) *Chain {
	return p.byName[strings.ToLower(chainHandle)]
}

func (p *Providers) GetByChainID(chainID uint64) *Chain {
	return p.byID[chainID]
}

func (p *Providers) ChainList() []ChainInfo {
	return p.allChainsList
}

func (p *Providers) MainnetChainList() []ChainInfo {
	return p.mainnetsList
}

func (p *Providers) TestnetChainList() []ChainInfo {
	return p.testnetsList
}

func (p *Providers) FindChain(chainHandle string, optSkipTestnets ...bool) (uint64, ChainInfo, error) {
	chainList := p.allChainsList
	if len(optSkipTestnets) > 0 && optSkipTestnets[0] {
		chainList = p.mainnetsList
	}
	for _, info := range chainList {
		if strings.EqualFold(chainHandle, info.Name) || chainHandle == fmt.Sprintf("%d", info.ID) {
			return info.ID, info, nil // found
		}
	}
	return 0, ChainInfo{}, fmt.Errorf("chainID not found")
}

// Chain executes read operations against the rpc endpoints of one network,
// falling back through its url list.
type Chain struct {
	Name    string
	ID      uint64
	Testnet bool

	urls           []string
	attemptTimeout time.Duration
	dial           Dialer
	log            *slog.Logger

	mu       sync.Mutex
	callers  map[string]Caller
	lastGood atomic.Int32
}

// URLs returns the configured endpoints in priority order.
func (c *Chain) URLs() []string {
	return append([]string{}, c.urls...)
}

func (c *Chain) caller(url string) (Caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller, ok := c.callers[url]; ok {
		return caller, nil
	}
	caller, err := c.dial(url)
	if err != nil {
		return nil, err
	}
	c.callers[url] = caller
	return caller, nil
}

// Execute runs op against the chain's endpoints in order, starting from the
// endpoint that last succeeded. A revert or otherwise permanent error is
// returned right away since another node would answer the same. When every
// endpoint fails the last error is returned tagged as transient.
func Execute[T any](ctx context.Context, c *Chain, op func(ctx context.Context, caller Caller) (T, error)) (T, error) {
	var zero T
	if c == nil || len(c.urls) == 0 {
		return zero, nftkit.Compose(nftkit.ErrUnconfigured, fmt.Errorf("no rpc endpoints configured"))
	}

	n := len(c.urls)
	start := int(c.lastGood.Load()) % n

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		url := c.urls[idx]

		caller, err := c.caller(url)
		if err != nil {
			lastErr = err
			c.log.Warn("rpc dial failed", slog.Int("endpoint", idx), slog.Any("err", err))
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		v, err := op(attemptCtx, caller)
		cancel()
		if err == nil {
			if idx != start {
				c.log.Info("rpc fallback endpoint healthy", slog.Int("endpoint", idx))
			}
			c.lastGood.Store(int32(idx))
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if IsRevert(err) {
			return zero, nftkit.Permanent("eth_call", err)
		}
		if !nftkit.IsRetryable(err) {
			return zero, err
		}

		lastErr = err
		c.log.Warn("rpc endpoint failed, trying next", slog.Int("endpoint", idx), slog.Int("endpoints", n), slog.Any("err", err))
	}

	return zero, nftkit.Transient(fmt.Sprintf("rpc %s", c.Name), lastErr)
}

// IsRevert reports whether err is an eth_call execution revert.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var e *nftkit.Error
	if errors.As(err, &e) && e.Err != nil {
		err = e.Err
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
