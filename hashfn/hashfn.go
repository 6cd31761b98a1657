// Package hashfn implements the named family of deterministic hash
// functions used by worker sets to pick an affinity worker for a patient.
package hashfn

import (
	"crypto/md5" //nolint:gosec // affinity hashing, not a security boundary
	"encoding/hex"
	"fmt"
	"strconv"
)

const (
	maxInputBytes = 100000
	maxModulus    = 10000
)

// Func maps a key and a modulus to an index in [0, modulus).
type Func func(key string, modulus int) (int, error)

// registry is the small, fixed set of hash methods a worker set's
// hash-method configuration value may name. Unknown names are a
// configuration error at startup, never a silent fallback.
var registry = map[string]Func{
	"random": Random,
}

// Lookup resolves a hash-method name to its Func. It returns an error for
// any name not present in the registry.
func Lookup(name string) (Func, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown hash method %q", name)
	}
	return fn, nil
}

// Random is the default hash method. It computes the MD5 digest of the
// UTF-8 bytes of key, takes the last five hex characters, parses them as
// an unsigned integer, and reduces modulo modulus.
//
// It rejects keys longer than 100,000 bytes and a modulus greater than
// 10,000 — the same bounds as the reference implementation this was
// ported from.
func Random(key string, modulus int) (int, error) {
	if len(key) > maxInputBytes {
		return 0, fmt.Errorf("hashfn: input value too large (%d bytes)", len(key))
	}
	if modulus > maxModulus {
		return 0, fmt.Errorf("hashfn: modulus value too large (%d)", modulus)
	}
	if modulus <= 0 {
		return 0, fmt.Errorf("hashfn: modulus must be positive, got %d", modulus)
	}

	sum := md5.Sum([]byte(key)) //nolint:gosec // affinity hashing, not a security boundary
	digest := hex.EncodeToString(sum[:])
	suffix := digest[len(digest)-5:]

	value, err := strconv.ParseUint(suffix, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hashfn: parse hash suffix %q: %w", suffix, err)
	}

	return int(value % uint64(modulus)), nil
}
