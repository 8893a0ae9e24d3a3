// Package sponsorship resolves the on-chain state and off-chain metadata of
// the sponsorship NFT: the current release, per-tier supply and metadata,
// and single token lookups. Every read goes through the two-tier cache, with
// a stale copy kept as the fallback for upstream outages.
package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/dedup"
	"github.com/rotki/nftkit/ethproviders"
	"github.com/rotki/nftkit/ipfs"
	"github.com/rotki/nftkit/multicall"
	"github.com/rotki/nftkit/retry"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Enabled bool

	// BackendURL is the endpoint returning the current Info. When empty the
	// static Chain and ContractAddress are used instead.
	BackendURL      string
	Chain           string
	ContractAddress string

	IPFSGateway    string
	ImageProxyPath string

	ReleaseTTL  time.Duration
	TierTTL     time.Duration
	MetadataTTL time.Duration
	TokenTTL    time.Duration
	SponsorTTL  time.Duration
	StaleTTL    time.Duration

	MaxMetadataSize int64

	// MetadataConcurrency bounds parallel metadata fetches per request.
	MetadataConcurrency int

	Retry  retry.Options
	Logger *slog.Logger
}

var DefaultOptions = Options{
	IPFSGateway:         "https://ipfs.io",
	ImageProxyPath:      DefaultImageProxyPath,
	ReleaseTTL:          5 * time.Minute,
	TierTTL:             10 * time.Minute,
	MetadataTTL:         1 * time.Hour,
	TokenTTL:            10 * time.Minute,
	SponsorTTL:          10 * time.Minute,
	StaleTTL:            7 * 24 * time.Hour,
	MaxMetadataSize:     1 << 20,
	MetadataConcurrency: 4,
	Retry:               retry.DefaultOptions,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.IPFSGateway == "" {
		o.IPFSGateway = d.IPFSGateway
	}
	if o.ImageProxyPath == "" {
		o.ImageProxyPath = d.ImageProxyPath
	}
	for _, ttl := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&o.ReleaseTTL, d.ReleaseTTL},
		{&o.TierTTL, d.TierTTL},
		{&o.MetadataTTL, d.MetadataTTL},
		{&o.TokenTTL, d.TokenTTL},
		{&o.SponsorTTL, d.SponsorTTL},
		{&o.StaleTTL, d.StaleTTL},
	} {
		if *ttl.v <= 0 {
			*ttl.v = ttl.def
		}
	}
	if o.MaxMetadataSize <= 0 {
		o.MaxMetadataSize = d.MaxMetadataSize
	}
	if o.MetadataConcurrency <= 0 {
		o.MetadataConcurrency = d.MetadataConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	o.Retry.Logger = o.Logger
	return o
}

type Service struct {
	options   Options
	cache     *cache.Cache
	providers *ethproviders.Providers
	client    *http.Client
	log       *slog.Logger

	infoGroup    dedup.Group[*Info]
	releaseGroup dedup.Group[uint64]
	tierGroup    dedup.Group[map[uint64]TierSupply]
	metaGroup    dedup.Group[*Metadata]
	tokenGroup   dedup.Group[*TokenMetadata]

	mu           sync.Mutex
	lastContract string
}

func NewService(options Options, c *cache.Cache, providers *ethproviders.Providers, client *http.Client) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("sponsorship: cache is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("sponsorship: providers are required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	options = options.withDefaults()
	return &Service{
		options:   options,
		cache:     c,
		providers: providers,
		client:    client,
		log:       options.Logger,
	}, nil
}

func (s *Service) Enabled() bool {
	return s.options.Enabled
}

// deployment is the resolved contract a request reads from.
type deployment struct {
	info     *Info
	address  string
	chain    *ethproviders.Chain
	contract contract
}

func (s *Service) deployment(ctx context.Context) (*deployment, error) {
	if !s.options.Enabled {
		return nil, nftkit.ErrDisabled
	}
	info, err := s.Info(ctx)
	if err != nil {
		return nil, err
	}
	address, err := nftkit.NormalizeAddress(info.ContractAddress)
	if err != nil {
		return nil, err
	}
	chain := s.providers.Get(info.Chain)
	if chain == nil {
		return nil, nftkit.Compose(nftkit.ErrUnconfigured, fmt.Errorf("no rpc endpoints for chain %q", info.Chain))
	}
	s.observeContract(ctx, address)

	return &deployment{
		info:     info,
		address:  address,
		chain:    chain,
		contract: contract{address: common.HexToAddress(address)},
	}, nil
}

// Info returns the current sponsorship deployment, from the backend when
// one is configured.
func (s *Service) Info(ctx context.Context) (*Info, error) {
	if s.options.BackendURL == "" {
		if s.options.Chain == "" || s.options.ContractAddress == "" {
			return nil, nftkit.Compose(nftkit.ErrUnconfigured, fmt.Errorf("sponsorship backend url or static contract required"))
		}
		return &Info{Chain: s.options.Chain, ContractAddress: s.options.ContractAddress}, nil
	}

	key := cache.Key(cache.NamespaceSponsor, "current")
	if info, ok, _ := cache.GetJSON[*Info](ctx, s.cache, key); ok && info != nil {
		return info, nil
	}

	info, _, err := s.infoGroup.Do(ctx, key, func(ctx context.Context) (*Info, error) {
		info, err := retry.Do(ctx, s.options.Retry, func(ctx context.Context) (*Info, error) {
			var info Info
			_, _, err := s.getJSON(ctx, "sponsorship.info", s.options.BackendURL, "", &info)
			return &info, err
		})
		if err != nil {
			return nil, err
		}
		if info.Chain == "" || info.ContractAddress == "" {
			return nil, nftkit.Errorf(nftkit.KindPermanent, "sponsorship.info", "incomplete sponsorship info %+v", *info)
		}
		info.Chain = strings.ToLower(info.Chain)
		if err := cache.SetJSONWithStale(ctx, s.cache, key, info, s.options.SponsorTTL, s.options.StaleTTL); err != nil {
			s.log.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
		}
		return info, nil
	})
	if err == nil {
		return info, nil
	}
	if stale, ok, _ := cache.GetStaleJSON[*Info](ctx, s.cache, key); ok && stale != nil {
		s.log.Warn("serving stale sponsorship info", slog.Any("err", err))
		return stale, nil
	}
	return nil, err
}

// observeContract drops the chain-derived cache entries of a previous
// contract once the backend reports a new one.
func (s *Service) observeContract(ctx context.Context, address string) {
	s.mu.Lock()
	prev := s.lastContract
	s.lastContract = address
	s.mu.Unlock()

	if prev == "" || prev == address {
		return
	}
	s.log.Info("sponsorship contract changed, invalidating cache",
		slog.String("previous", prev), slog.String("current", address))
	if err := s.invalidateContract(ctx, prev); err != nil {
		s.log.Warn("cache invalidation failed", slog.String("contract", prev), slog.Any("err", err))
	}
}

func (s *Service) invalidateContract(ctx context.Context, address string) error {
	releaseKey := cache.Key(cache.NamespaceRelease, address)
	var errs []error
	for _, key := range []string{releaseKey, cache.StaleKey(releaseKey)} {
		if err := s.cache.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ns := range []cache.Namespace{cache.NamespaceTier, cache.NamespaceToken} {
		prefix := cache.Prefix(ns, address)
		for _, p := range []string{prefix, cache.StaleKey(prefix)} {
			if err := s.cache.DeletePrefix(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) releaseID(ctx context.Context, d *deployment, skipCache bool) (uint64, error) {
	key := cache.Key(cache.NamespaceRelease, d.address)
	if skipCache {
		_ = s.cache.Delete(ctx, key)
	} else if id, ok, _ := cache.GetJSON[uint64](ctx, s.cache, key); ok {
		return id, nil
	}

	id, _, err := s.releaseGroup.Do(ctx, key, func(ctx context.Context) (uint64, error) {
		id, err := retry.Do(ctx, s.options.Retry, func(ctx context.Context) (uint64, error) {
			return ethproviders.Execute(ctx, d.chain, func(ctx context.Context, caller ethproviders.Caller) (uint64, error) {
				return d.contract.currentReleaseID(ctx, caller)
			})
		})
		if err != nil {
			return 0, err
		}
		if err := cache.SetJSONWithStale(ctx, s.cache, key, id, s.options.ReleaseTTL, s.options.StaleTTL); err != nil {
			s.log.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
		}
		return id, nil
	})
	if err == nil {
		return id, nil
	}

	if stale, ok, _ := cache.GetStaleJSON[uint64](ctx, s.cache, key); ok {
		s.log.Warn("serving stale release id", slog.String("contract", d.address), slog.Any("err", err))
		return stale, nil
	}
	if d.info.ReleaseID != 0 {
		s.log.Warn("using backend release id", slog.String("contract", d.address), slog.Any("err", err))
		return d.info.ReleaseID, nil
	}
	return 0, err
}

func tierKey(address string, releaseID, tierID uint64) string {
	return cache.Key(cache.NamespaceTier, address, strconv.FormatUint(releaseID, 10), strconv.FormatUint(tierID, 10))
}

// tierSupplies resolves the supply of each tier. Tiers whose call failed on
// chain are absent from the result.
func (s *Service) tierSupplies(ctx context.Context, d *deployment, releaseID uint64, tierIDs []uint64, skipCache bool) (map[uint64]TierSupply, error) {
	result := make(map[uint64]TierSupply, len(tierIDs))
	missing := []uint64{}
	for _, id := range tierIDs {
		key := tierKey(d.address, releaseID, id)
		if skipCache {
			_ = s.cache.Delete(ctx, key)
		} else if supply, ok, _ := cache.GetJSON[TierSupply](ctx, s.cache, key); ok {
			result[id] = supply
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	parts := make([]string, len(missing))
	for i, id := range missing {
		parts[i] = strconv.FormatUint(id, 10)
	}
	groupKey := tierKey(d.address, releaseID, 0) + ":" + strings.Join(parts, ",")

	fetched, _, err := s.tierGroup.Do(ctx, groupKey, func(ctx context.Context) (map[uint64]TierSupply, error) {
		fetched, err := retry.Do(ctx, s.options.Retry, func(ctx context.Context) (map[uint64]TierSupply, error) {
			return ethproviders.Execute(ctx, d.chain, func(ctx context.Context, caller ethproviders.Caller) (map[uint64]TierSupply, error) {
				return s.readTiers(ctx, caller, d, releaseID, missing)
			})
		})
		if err != nil {
			return nil, err
		}
		for id, supply := range fetched {
			key := tierKey(d.address, releaseID, id)
			if err := cache.SetJSONWithStale(ctx, s.cache, key, supply, s.options.TierTTL, s.options.StaleTTL); err != nil {
				s.log.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
			}
		}
		return fetched, nil
	})
	if err != nil {
		staleCount := 0
		for _, id := range missing {
			if supply, ok, _ := cache.GetStaleJSON[TierSupply](ctx, s.cache, tierKey(d.address, releaseID, id)); ok {
				result[id] = supply
				staleCount++
			}
		}
		s.log.Warn("tier read failed", slog.String("contract", d.address), slog.Uint64("releaseId", releaseID),
			slog.Int("stale", staleCount), slog.Int("missing", len(missing)), slog.Any("err", err))
		if len(result) == 0 {
			return nil, err
		}
		return result, nil
	}

	for id, supply := range fetched {
		result[id] = supply
	}
	return result, nil
}

// readTiers issues one direct call for a single tier and one multicall
// batch otherwise.
func (s *Service) readTiers(ctx context.Context, caller ethproviders.Caller, d *deployment, releaseID uint64, tierIDs []uint64) (map[uint64]TierSupply, error) {
	out := make(map[uint64]TierSupply, len(tierIDs))

	if len(tierIDs) == 1 {
		supply, err := d.contract.tierInfo(ctx, caller, releaseID, tierIDs[0])
		if ethproviders.IsRevert(err) {
			s.log.Debug("tier call reverted", slog.Uint64("tierId", tierIDs[0]), slog.Any("err", err))
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out[tierIDs[0]] = supply
		return out, nil
	}

	calls := make([]multicall.Call, len(tierIDs))
	for i, id := range tierIDs {
		call, err := d.contract.tierInfoCall(releaseID, id)
		if err != nil {
			return nil, err
		}
		calls[i] = call
	}
	results, err := multicall.Aggregate(ctx, caller, calls)
	if err != nil {
		return nil, err
	}
	for i, res := range results {
		if !res.Success {
			s.log.Debug("tier slot failed", slog.Uint64("tierId", tierIDs[i]))
			continue
		}
		vals, err := res.Decode(tierInfoTypes...)
		if err != nil {
			s.log.Warn("tier slot undecodable", slog.Uint64("tierId", tierIDs[i]), slog.Any("err", err))
			continue
		}
		supply, err := decodeTierInfo(vals)
		if err != nil {
			s.log.Warn("tier slot undecodable", slog.Uint64("tierId", tierIDs[i]), slog.Any("err", err))
			continue
		}
		out[tierIDs[i]] = supply
	}
	return out, nil
}

// Metadata resolves the json document at uri through the cache.
func (s *Service) Metadata(ctx context.Context, uri string) (*Metadata, error) {
	normalized, err := ipfs.Normalize(uri)
	if err != nil {
		return nil, err
	}
	key := cache.Key(cache.NamespaceMetadata, cache.Hash(normalized))
	if meta, ok, _ := cache.GetJSON[*Metadata](ctx, s.cache, key); ok && meta != nil {
		return meta, nil
	}

	meta, _, err := s.metaGroup.Do(ctx, key, func(ctx context.Context) (*Metadata, error) {
		return s.fetchMetadata(ctx, key, normalized)
	})
	if err == nil {
		return meta, nil
	}
	if kind := nftkit.KindOf(err); kind == nftkit.KindNotFound || kind == nftkit.KindInvalidInput {
		return nil, err
	}
	if stale, ok, _ := cache.GetStaleJSON[*Metadata](ctx, s.cache, key); ok && stale != nil {
		s.log.Warn("serving stale metadata", slog.String("uri", normalized), slog.Any("err", err))
		return stale, nil
	}
	return nil, err
}

func (s *Service) fetchMetadata(ctx context.Context, key, uri string) (*Metadata, error) {
	fetchURL, err := s.resolveURL(uri)
	if err != nil {
		return nil, err
	}

	etagKey := cache.Key(cache.NamespaceETag, cache.Hash(uri))
	var etag string
	stale, hasStale, _ := cache.GetStaleJSON[*Metadata](ctx, s.cache, key)
	if hasStale && stale != nil {
		if v, ok, _ := s.cache.Get(ctx, etagKey); ok {
			etag = string(v)
		}
	}

	type fetched struct {
		meta        *Metadata
		etag        string
		notModified bool
	}
	res, err := retry.Do(ctx, s.options.Retry, func(ctx context.Context) (fetched, error) {
		var meta Metadata
		newETag, notModified, err := s.getJSON(ctx, "metadata.fetch", fetchURL, etag, &meta)
		return fetched{meta: &meta, etag: newETag, notModified: notModified}, err
	})
	if err != nil {
		return nil, err
	}

	meta := res.meta
	if res.notModified {
		s.log.Debug("metadata not modified", slog.String("uri", uri))
		meta = stale
	}
	if err := cache.SetJSONWithStale(ctx, s.cache, key, meta, s.options.MetadataTTL, s.options.StaleTTL); err != nil {
		s.log.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
	}
	if res.etag != "" {
		_ = s.cache.Set(ctx, etagKey, []byte(res.etag), s.options.StaleTTL)
	}
	return meta, nil
}

// TierInfo returns the supply and display metadata of tierIDs for the
// current release. skipCache forces fresh on-chain reads of the release id
// and the requested tiers; metadata documents stay cached.
func (s *Service) TierInfo(ctx context.Context, tierIDs []uint64, skipCache bool) (*TierInfoResponse, error) {
	if len(tierIDs) == 0 {
		return nil, nftkit.InvalidInput("tier-info", fmt.Errorf("no tier ids"))
	}
	d, err := s.deployment(ctx)
	if err != nil {
		return nil, err
	}

	releaseID, err := s.releaseID(ctx, d, skipCache)
	if err != nil {
		return nil, err
	}

	supplies, err := s.tierSupplies(ctx, d, releaseID, tierIDs, skipCache)
	if err != nil {
		return nil, err
	}

	uris := map[string]struct{}{}
	for _, supply := range supplies {
		if supply.MetadataURI != "" {
			uris[supply.MetadataURI] = struct{}{}
		}
	}

	var (
		mu    sync.Mutex
		metas = make(map[string]*Metadata, len(uris))
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(s.options.MetadataConcurrency)
	for uri := range uris {
		g.Go(func() error {
			meta, err := s.Metadata(ctx, uri)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn("tier metadata unavailable", slog.String("uri", uri), slog.Any("err", err))
				errs = append(errs, err)
				return nil
			}
			metas[uri] = meta
			return nil
		})
	}
	_ = g.Wait()

	resp := &TierInfoResponse{ReleaseID: releaseID, Tiers: make(map[uint64]*TierInfoResult, len(supplies))}
	for id, supply := range supplies {
		meta, ok := metas[supply.MetadataURI]
		if !ok {
			continue
		}
		resp.Tiers[id] = ProjectTier(supply, meta, s.options.ImageProxyPath)
	}

	if len(resp.Tiers) == 0 && len(errs) > 0 {
		return nil, &nftkit.Error{Kind: nftkit.KindOf(errs[0]), Op: "tier-info", Err: nftkit.Compose(errs...)}
	}
	return resp, nil
}

// Token returns the metadata of a minted token. A token that does not
// exist on chain is a not-found error.
func (s *Service) Token(ctx context.Context, tokenID uint64, skipCache bool) (*TokenMetadata, error) {
	d, err := s.deployment(ctx)
	if err != nil {
		return nil, err
	}

	key := cache.Key(cache.NamespaceToken, d.address, strconv.FormatUint(tokenID, 10))
	if skipCache {
		_ = s.cache.Delete(ctx, key)
	} else if tm, ok, _ := cache.GetJSON[*TokenMetadata](ctx, s.cache, key); ok && tm != nil {
		return tm, nil
	}

	tm, _, err := s.tokenGroup.Do(ctx, key, func(ctx context.Context) (*TokenMetadata, error) {
		owner, uri, err := s.readToken(ctx, d, tokenID)
		if err != nil {
			return nil, err
		}
		meta, err := s.Metadata(ctx, uri)
		if err != nil {
			return nil, err
		}
		tm := ProjectToken(tokenID, owner, uri, meta, s.options.ImageProxyPath)
		if err := cache.SetJSONWithStale(ctx, s.cache, key, tm, s.options.TokenTTL, s.options.StaleTTL); err != nil {
			s.log.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
		}
		return tm, nil
	})
	if err == nil {
		return tm, nil
	}
	if kind := nftkit.KindOf(err); kind == nftkit.KindNotFound || kind == nftkit.KindInvalidInput {
		return nil, err
	}
	if stale, ok, _ := cache.GetStaleJSON[*TokenMetadata](ctx, s.cache, key); ok && stale != nil {
		s.log.Warn("serving stale token", slog.Uint64("tokenId", tokenID), slog.Any("err", err))
		return stale, nil
	}
	return nil, err
}

func (s *Service) readToken(ctx context.Context, d *deployment, tokenID uint64) (owner, uri string, err error) {
	calls, err := d.contract.tokenCalls(tokenID)
	if err != nil {
		return "", "", err
	}
	results, err := retry.Do(ctx, s.options.Retry, func(ctx context.Context) ([]multicall.Result, error) {
		return ethproviders.Execute(ctx, d.chain, func(ctx context.Context, caller ethproviders.Caller) ([]multicall.Result, error) {
			return multicall.Aggregate(ctx, caller, calls)
		})
	})
	if err != nil {
		return "", "", err
	}

	notFound := nftkit.NotFound("token", fmt.Errorf("token %d does not exist", tokenID))
	if !results[0].Success || !results[1].Success {
		return "", "", notFound
	}
	ownerVals, err := results[0].Decode("address")
	if err != nil {
		return "", "", nftkit.Transient("token.owner", err)
	}
	ownerAddr, ok := ownerVals[0].(common.Address)
	if !ok || ownerAddr == (common.Address{}) {
		return "", "", notFound
	}
	uriVals, err := results[1].Decode("string")
	if err != nil {
		return "", "", nftkit.Transient("token.uri", err)
	}
	uri, _ = uriVals[0].(string)
	if uri == "" {
		return "", "", notFound
	}
	return strings.ToLower(ownerAddr.Hex()), uri, nil
}

// SortTierIDs returns ids sorted ascending without duplicates.
func SortTierIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
