package imageproxy

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/util"
	"github.com/zeebo/xxh3"
)

// Sink consumes the byte stream of one upstream response.
type Sink interface {
	Name() string
	Write(p []byte) error

	// Close is called once the source is fully consumed.
	Close() error

	// Abort is called instead of Close when the stream cannot complete.
	Abort(err error)
}

var (
	errTooLarge  = errors.New("image exceeds max cache size")
	errNoSinks   = errors.New("every sink failed")
	errTruncated = errors.New("image shorter than declared content length")
)

// Pipeline copies a source into a set of sinks. A sink that fails is
// aborted and detached while the others carry on. A failing source aborts
// every sink.
type Pipeline struct {
	Sinks      []Sink
	BufferSize int
	Logger     *slog.Logger
}

func (p *Pipeline) Run(src io.Reader) (int64, error) {
	log := p.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	size := p.BufferSize
	if size <= 0 {
		size = 32 << 10
	}

	active := append([]Sink{}, p.Sinks...)
	detach := func(i int, err error) {
		log.Debug("sink detached", slog.String("sink", active[i].Name()), slog.Any("err", err))
		active[i].Abort(err)
		active = append(active[:i], active[i+1:]...)
	}

	buf := make([]byte, size)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			for i := len(active) - 1; i >= 0; i-- {
				if err := active[i].Write(buf[:n]); err != nil {
					detach(i, err)
				}
			}
			if len(active) == 0 {
				return total, errNoSinks
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			for _, s := range active {
				s.Abort(rerr)
			}
			return total, rerr
		}
	}

	for _, s := range active {
		if err := s.Close(); err != nil {
			log.Warn("sink close failed", slog.String("sink", s.Name()), slog.Any("err", err))
			s.Abort(err)
		}
	}
	return total, nil
}

// clientSink forwards bytes to the http client, flushing every write.
type clientSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newClientSink(w http.ResponseWriter) *clientSink {
	return &clientSink{w: w, rc: http.NewResponseController(w)}
}

func (s *clientSink) Name() string { return "client" }

func (s *clientSink) Write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *clientSink) Close() error  { return nil }
func (s *clientSink) Abort(_ error) {}

// cacheSink splits the stream into fixed-size chunks stored under the
// img:chunk namespace and commits the ImageMetadata on Close, together
// with its stale copy when staleTTL is set.
type cacheSink struct {
	ctx       context.Context
	cache     *cache.Cache
	id        string
	meta      ImageMetadata
	chunkSize int
	maxSize   int64
	ttl       time.Duration
	staleTTL  time.Duration

	buf    []byte
	chunks int
	total  int64
	hash   *xxh3.Hasher
}

// chunks outlive their metadata so a visible entry never points at
// expired chunks.
const chunkGrace = time.Minute

func newCacheSink(ctx context.Context, c *cache.Cache, id string, meta ImageMetadata, chunkSize int, maxSize int64, ttl, staleTTL time.Duration) *cacheSink {
	meta.Generation = newGeneration()
	return &cacheSink{
		ctx:       ctx,
		cache:     c,
		id:        id,
		meta:      meta,
		chunkSize: chunkSize,
		maxSize:   maxSize,
		ttl:       ttl,
		staleTTL:  staleTTL,
		buf:       make([]byte, 0, chunkSize),
		hash:      xxh3.New(),
	}
}

func (s *cacheSink) Name() string { return "cache" }

func (s *cacheSink) Write(p []byte) error {
	s.total += int64(len(p))
	if s.maxSize > 0 && s.total > s.maxSize {
		return errTooLarge
	}
	s.hash.Write(p)
	s.buf = append(s.buf, p...)
	for len(s.buf) >= s.chunkSize {
		if err := s.flush(s.buf[:s.chunkSize]); err != nil {
			return err
		}
		s.buf = append(s.buf[:0], s.buf[s.chunkSize:]...)
	}
	return nil
}

func (s *cacheSink) chunkTTL() time.Duration {
	return max(s.ttl, s.staleTTL) + chunkGrace
}

func (s *cacheSink) flush(chunk []byte) error {
	key := chunkKey(s.id, s.meta.Generation, s.chunks)
	if err := s.cache.Set(s.ctx, key, bytes.Clone(chunk), s.chunkTTL()); err != nil {
		return fmt.Errorf("store chunk %d: %w", s.chunks, err)
	}
	s.chunks++
	return nil
}

func (s *cacheSink) Close() error {
	if len(s.buf) > 0 {
		if err := s.flush(s.buf); err != nil {
			return err
		}
		s.buf = s.buf[:0]
	}
	if s.total == 0 {
		return errors.New("empty image")
	}
	if s.meta.ContentLength >= 0 && s.total != s.meta.ContentLength {
		return errTruncated
	}

	s.meta.TotalSize = s.total
	s.meta.ChunkCount = s.chunks
	s.meta.StoredAt = time.Now().UTC()
	if s.meta.ETag == "" {
		sum := s.hash.Sum128().Bytes()
		s.meta.ETag = util.QuoteETag(hex.EncodeToString(sum[:]))
	}

	previous := s.previousGenerations()
	key := metaKey(s.id)
	var err error
	if s.staleTTL > 0 {
		err = cache.SetJSONWithStale(s.ctx, s.cache, key, s.meta, s.ttl, s.staleTTL)
	} else {
		err = cache.SetJSON(s.ctx, s.cache, key, s.meta, s.ttl)
	}
	if err != nil {
		return err
	}

	// nothing references the replaced chunk sets anymore
	for _, gen := range previous {
		_ = s.cache.DeletePrefix(s.ctx, chunkPrefix(s.id, gen))
	}
	return nil
}

// previousGenerations returns the chunk sets referenced by the entries
// this fill is about to replace.
func (s *cacheSink) previousGenerations() []string {
	var gens []string
	key := metaKey(s.id)
	for _, k := range []string{key, cache.StaleKey(key)} {
		m, ok, _ := cache.GetJSON[*ImageMetadata](s.ctx, s.cache, k)
		if !ok || m == nil || m.Generation == "" || m.Generation == s.meta.Generation {
			continue
		}
		if len(gens) == 0 || gens[0] != m.Generation {
			gens = append(gens, m.Generation)
		}
	}
	return gens
}

// Abort drops the chunks written so far. Entries committed by earlier
// fills are left alone.
func (s *cacheSink) Abort(_ error) {
	_ = s.cache.DeletePrefix(s.ctx, chunkPrefix(s.id, s.meta.Generation))
}
