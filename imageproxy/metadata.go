package imageproxy

import (
	"strconv"
	"time"

	"github.com/rotki/nftkit/cache"
)

// ImageMetadata describes a cached image. It is written only after every
// chunk has been stored, so its presence means the entry is complete.
type ImageMetadata struct {
	ContentType string `json:"contentType"`

	// ContentLength is the length declared by upstream, -1 when unknown.
	ContentLength int64 `json:"contentLength"`

	TotalSize    int64     `json:"totalSize"`
	ChunkCount   int       `json:"chunkCount"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	NotFound     bool      `json:"notFound,omitempty"`
	StoredAt     time.Time `json:"storedAt"`

	// Generation names the chunk set written by one cache fill. A refill
	// writes a new generation, so a stale copy keeps pointing at complete
	// chunks while the fresh one is being written.
	Generation string `json:"generation,omitempty"`
}

func metaKey(id string) string {
	return cache.Key(cache.NamespaceImgMeta, id)
}

func chunkKey(id, generation string, index int) string {
	return cache.Key(cache.NamespaceImgChunk, id, generation, strconv.Itoa(index))
}

func chunkPrefix(id, generation string) string {
	return cache.Prefix(cache.NamespaceImgChunk, id, generation)
}

func newGeneration() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
