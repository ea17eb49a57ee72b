// Package gpg verifies detached OpenPGP signatures published next to mirrored
// artifacts (the data-gpg-sig attribute of a simple index link).
package gpg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

const (
	// SignatureSuffix is appended to an artifact URL or path to locate its signature.
	SignatureSuffix = ".asc"

	maxSignatureSize = 64 << 10
	maxKeySize       = 1 << 20
)

var (
	ErrEmptyKeyRing     = errors.New("no keys in keyring")
	ErrNoKeysFound      = errors.New("no .asc keys found in directory")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrUnusableKey      = errors.New("key cannot verify signatures")
	ErrKeyPermissions   = errors.New("key file is writable by group or others")
)

// KeyRing verifies detached signatures over files on disk. Implementations
// must be safe for concurrent use; every download worker shares one.
type KeyRing interface {
	VerifyFile(path string, signature []byte) error
	Fingerprints() []string
}

// Ring is the gopenpgp-backed KeyRing. The zero value is an empty ring.
type Ring struct {
	mu   sync.RWMutex
	ring *crypto.KeyRing
}

// NewKeyRing returns an empty ring.
func NewKeyRing() *Ring {
	return &Ring{}
}

// Add parses an armored public key and adds it to the ring, returning its
// fingerprint. Private keys are reduced to their public half.
func (r *Ring) Add(armored string) (string, error) {
	if strings.TrimSpace(armored) == "" {
		return "", fmt.Errorf("armored key is empty")
	}
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return "", fmt.Errorf("failed to parse PGP key: %w", err)
	}
	if key.IsPrivate() {
		if key, err = key.ToPublic(); err != nil {
			return "", fmt.Errorf("failed to extract public key: %w", err)
		}
	}
	fp := key.GetFingerprint()
	// Revoked and expired keys have no valid signing (sub)key left.
	if !key.CanVerify() {
		return "", fmt.Errorf("%w: %s", ErrUnusableKey, fp)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring == nil {
		if r.ring, err = crypto.NewKeyRing(key); err != nil {
			return "", fmt.Errorf("failed to create keyring: %w", err)
		}
		return fp, nil
	}
	if err := r.ring.AddKey(key); err != nil {
		return "", fmt.Errorf("failed to add key %s: %w", fp, err)
	}
	return fp, nil
}

// VerifyFile streams path through the verifier, so large wheels are never
// held in memory. signature may be armored or binary.
func (r *Ring) VerifyFile(path string, signature []byte) error {
	r.mu.RLock()
	ring := r.ring
	r.mu.RUnlock()
	if ring == nil {
		return ErrEmptyKeyRing
	}

	sig, err := crypto.NewPGPSignatureFromArmored(string(signature))
	if err != nil {
		sig = crypto.NewPGPSignature(signature)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if err := ring.VerifyDetachedStream(f, sig, crypto.GetUnixTime()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSignature, filepath.Base(path), err)
	}
	return nil
}

// Fingerprints lists the fingerprints of every key in the ring.
func (r *Ring) Fingerprints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ring == nil {
		return nil
	}
	keys := r.ring.GetKeys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.GetFingerprint())
	}
	return out
}

// VerifyDetachedSignature checks the signature stored at sigPath against the
// artifact at dataPath.
func VerifyDetachedSignature(keyRing KeyRing, dataPath, sigPath string) error {
	if keyRing == nil {
		return fmt.Errorf("keyring cannot be nil")
	}
	sig, err := readLimited(sigPath, maxSignatureSize)
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}
	return keyRing.VerifyFile(dataPath, sig)
}

// readLimited reads at most limit bytes and fails on anything larger; an
// oversized .asc is not a signature.
func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", filepath.Base(path), limit)
	}
	return data, nil
}

// LoadKeyRingFromPath loads every armored public key (*.asc) in dir.
func LoadKeyRingFromPath(dir string) (*Ring, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	ring := NewKeyRing()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".asc" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := checkKeyFile(path); err != nil {
			return nil, fmt.Errorf("invalid key file %q: %w", e.Name(), err)
		}
		data, err := readLimited(path, maxKeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %q: %w", e.Name(), err)
		}
		if _, err := ring.Add(string(data)); err != nil {
			return nil, fmt.Errorf("key file %q: %w", e.Name(), err)
		}
	}

	if len(ring.Fingerprints()) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeysFound, dir)
	}
	return ring, nil
}

// LoadKeyRingFromStrings builds a ring from armored key strings.
func LoadKeyRingFromStrings(armoredKeys []string) (*Ring, error) {
	if len(armoredKeys) == 0 {
		return nil, fmt.Errorf("no armored keys provided")
	}
	ring := NewKeyRing()
	for i, k := range armoredKeys {
		if _, err := ring.Add(k); err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
	}
	return ring, nil
}

// checkKeyFile rejects trust anchors that another user could replace.
func checkKeyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to access key file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		return fmt.Errorf("%w: mode %o", ErrKeyPermissions, perm)
	}
	return nil
}
