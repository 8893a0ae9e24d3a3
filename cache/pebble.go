package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

// PebbleStore is a local persistent L2 store. Each value is framed with an
// 8 byte big-endian unix-nano expiry so TTLs survive restarts.
type PebbleStore struct {
	db  *pebble.DB
	now func() time.Time
}

const pebbleHeaderLen = 8

// OpenPebbleStore opens (or creates) a pebble database at dir. An empty dir
// opens an in-memory database. Pebble's own event log goes to log.
func OpenPebbleStore(dir string, log *slog.Logger) (*PebbleStore, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	opts := &pebble.Options{
		Logger: pebbleLogger{log: log.With(slog.String("store", "pebble"))},
	}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open pebble at %q: %w", dir, err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Name() string {
	return "pebble"
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	if len(raw) < pebbleHeaderLen {
		return nil, false, s.db.Delete([]byte(key), pebble.NoSync)
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:pebbleHeaderLen]))
	if s.now().UnixNano() >= expiresAt {
		return nil, false, s.db.Delete([]byte(key), pebble.NoSync)
	}

	value := make([]byte, len(raw)-pebbleHeaderLen)
	copy(value, raw[pebbleHeaderLen:])
	return value, true, nil
}

func (s *PebbleStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	buf := make([]byte, pebbleHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(s.now().Add(ttl).UnixNano()))
	copy(buf[pebbleHeaderLen:], value)
	return s.db.Set([]byte(key), buf, pebble.NoSync)
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

func (s *PebbleStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("cache: refusing to delete empty prefix")
	}
	start := []byte(prefix)
	return s.db.DeleteRange(start, prefixEnd(start), pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleLogger adapts slog to pebble.Logger.
type pebbleLogger struct {
	log *slog.Logger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Fatalf must not return, pebble relies on it to stop on corruption.
func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), slog.Bool("fatal", true))
	os.Exit(1)
}
