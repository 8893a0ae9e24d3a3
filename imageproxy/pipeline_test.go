package imageproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"testing/iotest"
	"time"

	"github.com/rotki/nftkit/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name    string
	buf     bytes.Buffer
	failAt  int
	writes  int
	closed  bool
	aborted error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(p []byte) error {
	s.writes++
	if s.failAt > 0 && s.writes >= s.failAt {
		return errors.New("sink broke")
	}
	s.buf.Write(p)
	return nil
}

func (s *recordingSink) Close() error { s.closed = true; return nil }

func (s *recordingSink) Abort(err error) { s.aborted = err }

func TestPipelineDetachesFailingSink(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", failAt: 2}

	p := &Pipeline{Sinks: []Sink{good, bad}, BufferSize: 10}
	n, err := p.Run(bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)

	assert.Equal(t, data, good.buf.Bytes())
	assert.True(t, good.closed)
	assert.Nil(t, good.aborted)

	assert.Error(t, bad.aborted)
	assert.False(t, bad.closed)
	assert.Equal(t, 10, bad.buf.Len())
}

func TestPipelineSourceFailureAbortsAll(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	src := io.MultiReader(bytes.NewReader([]byte("partial")), iotest.ErrReader(errors.New("connection reset")))

	p := &Pipeline{Sinks: []Sink{a, b}}
	_, err := p.Run(src)
	require.Error(t, err)
	for _, s := range []*recordingSink{a, b} {
		assert.Error(t, s.aborted)
		assert.False(t, s.closed)
	}
}

func TestPipelineAllSinksFailed(t *testing.T) {
	p := &Pipeline{Sinks: []Sink{&recordingSink{name: "a", failAt: 1}}}
	_, err := p.Run(bytes.NewReader([]byte("data")))
	assert.ErrorIs(t, err, errNoSinks)
}

func TestClientSink(t *testing.T) {
	rec := httptest.NewRecorder()
	s := newClientSink(rec)
	require.NoError(t, s.Write([]byte("hello")))
	assert.Equal(t, "hello", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestCacheSinkChunksAndCommits(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})
	data := bytes.Repeat([]byte("0123456789"), 25) // 250 bytes

	s := newCacheSink(ctx, c, "abc", ImageMetadata{ContentType: "image/png", ContentLength: 250}, 100, 0, time.Hour, 0)
	p := &Pipeline{Sinks: []Sink{s}, BufferSize: 33}
	_, err := p.Run(bytes.NewReader(data))
	require.NoError(t, err)

	meta, ok, err := cache.GetJSON[*ImageMetadata](ctx, c, metaKey("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, meta.ChunkCount)
	assert.EqualValues(t, 250, meta.TotalSize)
	assert.NotEmpty(t, meta.ETag)
	assert.False(t, meta.StoredAt.IsZero())
	assert.NotEmpty(t, meta.Generation)

	_, ok, _ = c.Get(ctx, cache.StaleKey(metaKey("abc")))
	assert.False(t, ok)

	var joined []byte
	for i := 0; i < meta.ChunkCount; i++ {
		chunk, ok, _ := c.Get(ctx, chunkKey("abc", meta.Generation, i))
		require.True(t, ok)
		joined = append(joined, chunk...)
	}
	assert.Equal(t, data, joined)
}

func TestCacheSinkAbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})

	s := newCacheSink(ctx, c, "abc", ImageMetadata{ContentLength: -1}, 10, 0, time.Hour, 0)
	gen := s.meta.Generation
	require.NoError(t, s.Write(bytes.Repeat([]byte("a"), 35)))
	_, ok, _ := c.Get(ctx, chunkKey("abc", gen, 2))
	require.True(t, ok)

	s.Abort(errors.New("upstream closed"))
	for i := 0; i < 3; i++ {
		_, ok, _ := c.Get(ctx, chunkKey("abc", gen, i))
		assert.False(t, ok)
	}
	_, ok, _ = c.Get(ctx, metaKey("abc"))
	assert.False(t, ok)
}

func TestCacheSinkRejectsOversizeAndTruncated(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})

	s := newCacheSink(ctx, c, "big", ImageMetadata{ContentLength: -1}, 10, 20, time.Hour, 0)
	require.NoError(t, s.Write(make([]byte, 15)))
	assert.ErrorIs(t, s.Write(make([]byte, 15)), errTooLarge)

	s = newCacheSink(ctx, c, "short", ImageMetadata{ContentLength: 100}, 10, 0, time.Hour, 0)
	require.NoError(t, s.Write(make([]byte, 50)))
	assert.ErrorIs(t, s.Close(), errTruncated)
}

func TestCacheSinkRefillKeepsStaleConsistent(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})
	fill := func(b byte) *cacheSink {
		s := newCacheSink(ctx, c, "abc", ImageMetadata{ContentLength: -1}, 10, 0, time.Hour, 24*time.Hour)
		_, err := (&Pipeline{Sinks: []Sink{s}}).Run(bytes.NewReader(bytes.Repeat([]byte{b}, 25)))
		require.NoError(t, err)
		return s
	}

	first := fill('a')
	stale, ok, err := cache.GetStaleJSON[*ImageMetadata](ctx, c, metaKey("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.meta.Generation, stale.Generation)

	// a refill that fails midway leaves the committed entries untouched
	time.Sleep(time.Millisecond)
	broken := newCacheSink(ctx, c, "abc", ImageMetadata{ContentLength: -1}, 10, 0, time.Hour, 24*time.Hour)
	require.NotEqual(t, first.meta.Generation, broken.meta.Generation)
	require.NoError(t, broken.Write(bytes.Repeat([]byte("z"), 15)))
	broken.Abort(errors.New("upstream closed"))
	_, ok, _ = c.Get(ctx, chunkKey("abc", first.meta.Generation, 2))
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, chunkKey("abc", broken.meta.Generation, 0))
	assert.False(t, ok)

	// a successful refill moves both entries over and drops the old chunks
	time.Sleep(time.Millisecond)
	second := fill('b')
	stale, _, _ = cache.GetStaleJSON[*ImageMetadata](ctx, c, metaKey("abc"))
	assert.Equal(t, second.meta.Generation, stale.Generation)
	for i := 0; i < 3; i++ {
		_, ok, _ := c.Get(ctx, chunkKey("abc", first.meta.Generation, i))
		assert.False(t, ok)
	}
	chunk, ok, _ := c.Get(ctx, chunkKey("abc", second.meta.Generation, 0))
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("b"), 10), chunk)
}
