package directory

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/cvsouth/bridgeline/descriptor"
	"github.com/cvsouth/bridgeline/envelope"
)

// maxCacheEntry caps the decompressed size of a cached exit list.
const maxCacheEntry = 16 << 20

// Cache file compression tags.
const (
	tagRaw byte = 0
	tagLZ4 byte = 1
)

// DefaultCacheDir returns ~/.bridgeline/cache, or "" when there is no home
// directory.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bridgeline", "cache")
}

// Cache keeps signed exit lists on disk so a restarted client can work
// before it reaches the broker. Entries are stored exactly as signed and
// verified again on every load.
type Cache struct {
	Dir string
}

func (c *Cache) path(free bool) string {
	name := "exits-all.lz4"
	if free {
		name = "exits-free.lz4"
	}
	return filepath.Join(c.Dir, name)
}

// SaveExitList stores a signed list, replacing any previous one of the same
// kind.
func (c *Cache) SaveExitList(free bool, list envelope.Signed[descriptor.ExitList]) error {
	if c.Dir == "" {
		return fmt.Errorf("cache directory not set")
	}
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal exit list: %w", err)
	}
	return writeFileAtomic(c.path(free), compress(data))
}

// LoadExitList returns the cached list of the given kind if it is present,
// signed by key, and not yet expired.
func (c *Cache) LoadExitList(free bool, key ed25519.PublicKey, now time.Time) (descriptor.ExitList, bool) {
	if c.Dir == "" {
		return descriptor.ExitList{}, false
	}
	raw, err := os.ReadFile(c.path(free))
	if err != nil {
		return descriptor.ExitList{}, false
	}
	data, err := decompress(raw)
	if err != nil {
		return descriptor.ExitList{}, false
	}
	var signed envelope.Signed[descriptor.ExitList]
	if err := json.Unmarshal(data, &signed); err != nil {
		return descriptor.ExitList{}, false
	}
	list, err := verifyExitList(signed, key, now)
	if err != nil {
		return descriptor.ExitList{}, false
	}
	return list, true
}

// compress frames data as a tag byte, the uncompressed length, and the
// payload. Incompressible data is stored raw.
func compress(data []byte) []byte {
	header := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(header[1:], uint64(len(data)))
	header = header[:1+n]

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil || written == 0 || written >= len(data) {
		header[0] = tagRaw
		return append(header, data...)
	}
	header[0] = tagLZ4
	return append(header, dst[:written]...)
}

func decompress(raw []byte) ([]byte, error) {
	if len(raw) < 2 {
		return nil, errors.New("cache entry truncated")
	}
	size, n := binary.Uvarint(raw[1:])
	if n <= 0 || size > maxCacheEntry {
		return nil, errors.New("cache entry has a bad length")
	}
	body := raw[1+n:]
	switch raw[0] {
	case tagRaw:
		if uint64(len(body)) != size {
			return nil, errors.New("cache entry length mismatch")
		}
		return body, nil
	case tagLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown cache compression tag %d", raw[0])
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
