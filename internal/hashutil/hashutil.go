package hashutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

var registry = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
}

func newHasher(name string) (hash.Hash, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	_, ok := registry[name]
	return ok
}

// ETag returns a strong entity tag for data, e.g. "sha256-3a6eb0...".
// Only the first 16 bytes of the digest are used.
func ETag(algo string, data []byte) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	sum := h.Sum(nil)
	if len(sum) > 16 {
		sum = sum[:16]
	}
	return fmt.Sprintf("%q", algo+"-"+hex.EncodeToString(sum)), nil
}

// MatchETag reports whether an If-None-Match header value matches etag.
// Weak validators compare equal to their strong form.
func MatchETag(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
