package storage

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// zstdEncoder and zstdDecoder are shared by all compressed stores.
// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressedStore wraps a Store and keeps every value zstd-compressed at
// rest. Reads, writes and digests all deal in uncompressed bytes, so a
// compressed authority and an uncompressed cache report equal digests for
// equal content.
type CompressedStore struct {
	inner Store
}

// NewCompressedStore wraps inner.
func NewCompressedStore(inner Store) *CompressedStore {
	return &CompressedStore{inner: inner}
}

func (s *CompressedStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

func (s *CompressedStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	compressed, err := s.inner.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %q: %w", key, err)
	}
	return data, nil
}

func (s *CompressedStore) WriteAll(ctx context.Context, key string, data []byte) error {
	return s.inner.WriteAll(ctx, key, zstdEncoder.EncodeAll(data, nil))
}

func (s *CompressedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *CompressedStore) DigestOf(ctx context.Context, key string, h checksum.Hasher) (checksum.Checksum, error) {
	return digestByReading(ctx, s, key, h)
}

var _ Store = (*CompressedStore)(nil)
