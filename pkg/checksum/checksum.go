// Package checksum computes content digests tagged with the algorithm that
// produced them, so digests from different algorithms never compare equal.
package checksum

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrUnknownAlgorithm is returned by New for an unsupported algorithm name.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Supported algorithm names.
const (
	MD5    = "md5"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Default is the algorithm used when none is configured.
const Default = SHA256

// Checksum is a hex-encoded digest and the algorithm that produced it.
type Checksum struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Digest    string `json:"checksum" yaml:"checksum"`
}

// IsZero reports whether c holds no digest.
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Digest == ""
}

// String renders c as "algorithm:digest".
func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algorithm + ":" + c.Digest
}

// ParseChecksum parses the "algorithm:digest" form produced by String.
func ParseChecksum(s string) (Checksum, error) {
	alg, digest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || alg == "" || digest == "" {
		return Checksum{}, fmt.Errorf("malformed checksum %q: expected algorithm:digest", s)
	}
	return Checksum{Algorithm: alg, Digest: digest}, nil
}

// Hasher produces checksums for byte streams.
type Hasher interface {
	Algorithm() string
	Sum(r io.Reader) (Checksum, error)
	SumBytes(data []byte) Checksum
}

// New returns the Hasher for the named algorithm. An empty name selects
// Default.
func New(algorithm string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "":
		return stdHasher{name: Default, newHash: sha256.New}, nil
	case MD5:
		return stdHasher{name: MD5, newHash: md5.New}, nil
	case SHA256:
		return stdHasher{name: SHA256, newHash: sha256.New}, nil
	case BLAKE3:
		return stdHasher{name: BLAKE3, newHash: func() hash.Hash { return blake3.New() }}, nil
	}
	return nil, fmt.Errorf("%w %q (supported: %s, %s, %s)", ErrUnknownAlgorithm, algorithm, MD5, SHA256, BLAKE3)
}

// MustNew is like New but panics on an unknown algorithm.
func MustNew(algorithm string) Hasher {
	h, err := New(algorithm)
	if err != nil {
		panic(err)
	}
	return h
}

type stdHasher struct {
	name    string
	newHash func() hash.Hash
}

func (h stdHasher) Algorithm() string { return h.name }

func (h stdHasher) Sum(r io.Reader) (Checksum, error) {
	hh := h.newHash()
	if _, err := io.Copy(hh, r); err != nil {
		return Checksum{}, fmt.Errorf("%s checksum: %w", h.name, err)
	}
	return Checksum{Algorithm: h.name, Digest: hex.EncodeToString(hh.Sum(nil))}, nil
}

func (h stdHasher) SumBytes(data []byte) Checksum {
	// Reading from a bytes.Reader cannot fail.
	c, _ := h.Sum(bytes.NewReader(data))
	return c
}
