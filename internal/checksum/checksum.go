// Package checksum computes hex digests of files under the hash names used in
// simple index URL fragments (md5, sha1, sha224, sha256, sha384, sha512, blake2b).
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// chunkSize is the fixed read size; memory use does not grow with the file.
const chunkSize = 64 * 1024

// ErrUnsupportedAlgorithm is returned for hash names no constructor is registered for.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

var constructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// New returns a fresh hash for the named algorithm.
func New(algorithm string) (hash.Hash, error) {
	ctor, ok := constructors[strings.ToLower(algorithm)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return ctor(), nil
}

// Supported reports whether algorithm can be computed.
func Supported(algorithm string) bool {
	_, ok := constructors[strings.ToLower(algorithm)]
	return ok
}

// Reader digests everything r yields.
func Reader(r io.Reader, algorithm string) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the lower-case hex digest of the file at path.
func File(path, algorithm string) (string, error) {
	if !Supported(algorithm) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return Reader(f, algorithm)
}

// Verify reports whether the file at path hashes to digest. A missing file is
// reported as a mismatch, not an error.
func Verify(path, algorithm, digest string) (bool, error) {
	if !Supported(algorithm) {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	got, err := File(path, algorithm)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, digest), nil
}
