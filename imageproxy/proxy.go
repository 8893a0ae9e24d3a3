// Package imageproxy streams remote images (ipfs content and ens avatars)
// to http clients while writing them into the chunked image cache, and
// serves later requests from that cache.
package imageproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/dedup"
	"github.com/rotki/nftkit/ens"
	"github.com/rotki/nftkit/ipfs"
	"github.com/rotki/nftkit/retry"
	"github.com/rotki/nftkit/util"
)

// ErrStreamInterrupted is returned once the response status and headers
// have already been written, so the caller can no longer send an error
// response and should abort the connection instead.
var ErrStreamInterrupted = errors.New("imageproxy: stream interrupted")

type Options struct {
	IPFSGateway    string
	ENSMetadataURL string

	// AllowedHosts are the http(s) hosts accepted besides ipfs references.
	AllowedHosts []string

	ChunkSize int

	// MaxSize is the largest image written to the cache. Larger images are
	// streamed through without caching.
	MaxSize int64

	TTL         time.Duration
	NotFoundTTL time.Duration

	// StaleTTL keeps a copy of every cached image past TTL, served only
	// when the upstream fails transiently. A negative value disables it.
	StaleTTL time.Duration

	Retry  retry.Options
	Logger *slog.Logger
}

var DefaultOptions = Options{
	IPFSGateway:    "https://ipfs.io",
	ENSMetadataURL: "https://metadata.ens.domains",
	ChunkSize:      64 << 10,
	MaxSize:        10 << 20,
	TTL:            24 * time.Hour,
	NotFoundTTL:    1 * time.Hour,
	StaleTTL:       7 * 24 * time.Hour,
	Retry:          retry.DefaultOptions,
}

type Proxy struct {
	options Options
	cache   *cache.Cache
	client  *http.Client
	log     *slog.Logger
	allowed map[string]bool
	leaders dedup.Leaders
}

func New(options Options, c *cache.Cache, client *http.Client) (*Proxy, error) {
	if c == nil {
		return nil, fmt.Errorf("imageproxy: cache is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	d := DefaultOptions
	if options.IPFSGateway == "" {
		options.IPFSGateway = d.IPFSGateway
	}
	if options.ENSMetadataURL == "" {
		options.ENSMetadataURL = d.ENSMetadataURL
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = d.ChunkSize
	}
	if options.MaxSize <= 0 {
		options.MaxSize = d.MaxSize
	}
	if options.TTL <= 0 {
		options.TTL = d.TTL
	}
	if options.NotFoundTTL <= 0 {
		options.NotFoundTTL = d.NotFoundTTL
	}
	if options.StaleTTL == 0 {
		options.StaleTTL = d.StaleTTL
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	options.Retry.Logger = options.Logger

	allowed := make(map[string]bool, len(options.AllowedHosts))
	for _, h := range options.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}

	return &Proxy{
		options: options,
		cache:   c,
		client:  client,
		log:     options.Logger,
		allowed: allowed,
	}, nil
}

// InFlight returns the number of upstream image fetches being led.
func (p *Proxy) InFlight() int {
	return p.leaders.InFlight()
}

// target is a validated upstream image.
type target struct {
	id  string // cache id, hash of key
	key string // canonical form of the requested resource
	url string // upstream fetch url
}

// resolveImage validates rawURL. Only ipfs references, rewritten through
// the configured gateway, and urls on allow-listed hosts are accepted so
// the proxy cannot be used as an open relay.
func (p *Proxy) resolveImage(rawURL string) (target, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return target{}, nftkit.InvalidInput("image.url", fmt.Errorf("url is required"))
	}

	ref, ok, err := ipfs.Parse(rawURL)
	if err != nil {
		return target{}, err
	}
	if ok {
		key := ref.String()
		return target{id: cache.Hash(key), key: key, url: ref.GatewayURL(p.options.IPFSGateway)}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || !p.allowed[strings.ToLower(u.Hostname())] {
		return target{}, nftkit.InvalidInput("image.url", fmt.Errorf("only ipfs uris or allow-listed hosts are proxied"))
	}
	key := u.String()
	return target{id: cache.Hash(key), key: key, url: key}, nil
}

// ServeImage writes the image at rawURL to w. Errors returned before
// anything was written are for the caller to map to a response; after the
// headers went out the error wraps ErrStreamInterrupted.
func (p *Proxy) ServeImage(w http.ResponseWriter, r *http.Request, rawURL string, skipCache bool) error {
	t, err := p.resolveImage(rawURL)
	if err != nil {
		return err
	}
	return p.serve(w, r, t, skipCache)
}

// ServeAvatar proxies the ens avatar of name on network through the same
// cache as ServeImage.
func (p *Proxy) ServeAvatar(w http.ResponseWriter, r *http.Request, name, network string, skipCache bool) error {
	avatar, err := ens.NewAvatar(p.options.ENSMetadataURL, network, name)
	if err != nil {
		return err
	}
	key := avatar.Key()
	return p.serve(w, r, target{id: cache.Hash(key), key: key, url: avatar.URL}, skipCache)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, t target, skipCache bool) error {
	ctx := r.Context()

	if skipCache {
		p.dropMeta(ctx, metaKey(t.id))
	} else if handled, err := p.serveCached(w, r, t, false); handled {
		return err
	}

	f, leader := p.leaders.Join(t.id)
	if !leader {
		err := f.Wait(ctx)
		if err != nil && !errors.Is(err, ErrStreamInterrupted) {
			return p.orStale(w, r, t, err)
		}
		if handled, err := p.serveCached(w, r, t, false); handled {
			return err
		}
		// the leader could not cache the image, fetch it for this client only
		return p.orStale(w, r, t, p.fetchAndStream(ctx, w, t, false))
	}

	err := p.fetchAndStream(ctx, w, t, true)
	p.leaders.Done(t.id, f, err)
	return p.orStale(w, r, t, err)
}

// orStale answers from the stale copy when err is a transient upstream
// failure that happened before anything was written to w.
func (p *Proxy) orStale(w http.ResponseWriter, r *http.Request, t target, err error) error {
	if err == nil || errors.Is(err, ErrStreamInterrupted) || !nftkit.IsRetryable(err) {
		return err
	}
	handled, serr := p.serveCached(w, r, t, true)
	if !handled {
		return err
	}
	p.log.Warn("upstream failed, serving stale image", slog.String("key", t.key), slog.Any("err", err))
	return serr
}

func (p *Proxy) dropMeta(ctx context.Context, key string) {
	if err := p.cache.Delete(ctx, key); err != nil {
		p.log.Warn("image cache invalidate failed", slog.String("key", key), slog.Any("err", err))
	}
}

// dropEntry removes a broken entry, its metadata and its chunk set.
func (p *Proxy) dropEntry(ctx context.Context, key, id string, meta *ImageMetadata) {
	p.dropMeta(ctx, key)
	if err := p.cache.DeletePrefix(ctx, chunkPrefix(id, meta.Generation)); err != nil {
		p.log.Warn("image cache invalidate failed", slog.String("key", key), slog.Any("err", err))
	}
}

// serveCached answers from the cache, or from the stale copy when stale
// is set. handled is false when the cache has nothing usable and the
// caller must go elsewhere.
func (p *Proxy) serveCached(w http.ResponseWriter, r *http.Request, t target, stale bool) (handled bool, err error) {
	ctx := r.Context()
	key := metaKey(t.id)
	var meta *ImageMetadata
	var ok bool
	if stale {
		meta, ok, _ = cache.GetStaleJSON[*ImageMetadata](ctx, p.cache, key)
		key = cache.StaleKey(key)
	} else {
		meta, ok, _ = cache.GetJSON[*ImageMetadata](ctx, p.cache, key)
	}
	if !ok || meta == nil {
		return false, nil
	}
	if meta.NotFound {
		return true, nftkit.NotFound("image", fmt.Errorf("upstream has no image at %s", t.key))
	}

	status := "HIT"
	maxAge := p.options.TTL - time.Since(meta.StoredAt)
	if stale {
		status, maxAge = "STALE", 0
	}
	if notModified(r, meta) {
		p.writeHeaders(w, meta, maxAge)
		w.WriteHeader(http.StatusNotModified)
		return true, nil
	}

	first, ok, err := p.cache.Get(ctx, chunkKey(t.id, meta.Generation, 0))
	if err != nil || !ok || meta.ChunkCount == 0 {
		p.log.Warn("image cache entry incomplete", slog.String("key", t.key), slog.Bool("stale", stale), slog.Any("err", err))
		p.dropEntry(ctx, key, t.id, meta)
		return false, nil
	}

	p.writeHeaders(w, meta, maxAge)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.TotalSize, 10))
	w.Header().Set("X-Cache", status)
	w.WriteHeader(http.StatusOK)

	written := int64(0)
	for i := 0; i < meta.ChunkCount; i++ {
		chunk := first
		if i > 0 {
			chunk, ok, err = p.cache.Get(ctx, chunkKey(t.id, meta.Generation, i))
			if err != nil || !ok {
				p.dropEntry(ctx, key, t.id, meta)
				return true, fmt.Errorf("%w: chunk %d of %d unavailable: %v", ErrStreamInterrupted, i, meta.ChunkCount, err)
			}
		}
		if _, err := w.Write(chunk); err != nil {
			return true, fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}
		written += int64(len(chunk))
	}
	if written != meta.TotalSize {
		p.dropEntry(ctx, key, t.id, meta)
		return true, fmt.Errorf("%w: cached size %d, expected %d", ErrStreamInterrupted, written, meta.TotalSize)
	}
	return true, nil
}

// fetchAndStream fetches the image and streams it to the client and, when
// cacheable, into the cache. Upstream reads are detached from the client
// so a disconnect does not abort the cache fill.
func (p *Proxy) fetchAndStream(ctx context.Context, w http.ResponseWriter, t target, cacheable bool) error {
	upCtx := context.WithoutCancel(ctx)

	resp, err := retry.Do(upCtx, p.options.Retry, func(ctx context.Context) (*http.Response, error) {
		return p.fetch(ctx, t)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		if cacheable {
			negative := &ImageMetadata{
				NotFound:      true,
				ContentType:   resp.Header.Get("Content-Type"),
				ContentLength: resp.ContentLength,
				ETag:          resp.Header.Get("ETag"),
				LastModified:  resp.Header.Get("Last-Modified"),
				StoredAt:      time.Now().UTC(),
			}
			if err := cache.SetJSON(upCtx, p.cache, metaKey(t.id), negative, p.options.NotFoundTTL); err != nil {
				p.log.Warn("negative cache write failed", slog.String("key", t.key), slog.Any("err", err))
			}
			// the content is gone upstream, do not fall back to it later
			p.dropMeta(upCtx, cache.StaleKey(metaKey(t.id)))
		}
		return nftkit.NotFound("image.fetch", fmt.Errorf("upstream 404 for %s", t.key))
	}

	body := bufio.NewReaderSize(resp.Body, 32<<10)
	contentType, err := imageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return err
	}

	meta := ImageMetadata{
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		ETag:          util.QuoteETag(resp.Header.Get("ETag")),
		LastModified:  resp.Header.Get("Last-Modified"),
	}
	if cacheable && resp.ContentLength > p.options.MaxSize {
		p.log.Info("image too large to cache", slog.String("key", t.key),
			slog.String("size", humanize.Bytes(uint64(resp.ContentLength))),
			slog.String("max", humanize.Bytes(uint64(p.options.MaxSize))))
		cacheable = false
	}

	p.writeHeaders(w, &meta, p.options.TTL)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)

	sinks := []Sink{newClientSink(w)}
	if cacheable {
		sinks = append(sinks, newCacheSink(upCtx, p.cache, t.id, meta, p.options.ChunkSize, p.options.MaxSize, p.options.TTL, p.options.StaleTTL))
	}
	pipe := &Pipeline{Sinks: sinks, Logger: p.log}

	start := time.Now()
	n, err := pipe.Run(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
	}
	p.log.Debug("image streamed", slog.String("key", t.key), slog.String("size", humanize.Bytes(uint64(n))),
		slog.Bool("cached", cacheable), slog.Duration("took", time.Since(start)))
	return nil
}

// fetch returns the upstream response once headers arrive. 200 and 404
// responses are returned as is, every other status is an error.
func (p *Proxy) fetch(ctx context.Context, t target) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, nftkit.InvalidInput("image.fetch", err)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nftkit.Transient("image.fetch", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return resp, nil
	}
	resp.Body.Close()
	return nil, nftkit.FromStatus("image.fetch", resp.StatusCode)
}

// imageContentType accepts image/* responses, and octet-stream or untyped
// ones whose content sniffs as an image.
func imageContentType(header string, body *bufio.Reader) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(header)
	mediaType = strings.ToLower(mediaType)
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return mediaType, nil
	case mediaType == "", mediaType == "application/octet-stream", mediaType == "binary/octet-stream":
		head, _ := body.Peek(512)
		if sniffed := http.DetectContentType(head); strings.HasPrefix(sniffed, "image/") {
			return sniffed, nil
		}
	}
	return "", nftkit.Permanent("image.content-type", fmt.Errorf("upstream content type %q is not an image", header))
}

func (p *Proxy) writeHeaders(w http.ResponseWriter, meta *ImageMetadata, maxAge time.Duration) {
	if maxAge < 0 {
		maxAge = 0
	}
	h := w.Header()
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	if meta.ETag != "" {
		h.Set("ETag", meta.ETag)
	}
	if meta.LastModified != "" {
		h.Set("Last-Modified", meta.LastModified)
	}
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second)))
	h.Set("X-Content-Type-Options", "nosniff")
}

// notModified evaluates the conditional request headers against meta.
// If-None-Match takes precedence over If-Modified-Since.
func notModified(r *http.Request, meta *ImageMetadata) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return util.ETagMatches(inm, meta.ETag)
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" || meta.LastModified == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	modified, err := http.ParseTime(meta.LastModified)
	if err != nil {
		return false
	}
	return !modified.After(since)
}
