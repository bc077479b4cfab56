package reputation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/netip"
	"strings"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// ErrWeakKey is returned when the signing key is shorter than 256 bits.
var ErrWeakKey = errors.New("signing key must be at least 32 bytes")

// patternIDBytes is the truncation applied to the HMAC before encoding.
const patternIDBytes = 16

// Signer computes stable, keyed pattern identities. Persisted records carry
// only the resulting IDs; the raw inputs never leave the request context.
// The key comes from an external secret store and is rotatable.
type Signer struct {
	key []byte
}

// NewSigner validates the key length and returns a Signer.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < 32 {
		return nil, ErrWeakKey
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	return &Signer{key: owned}, nil
}

// PatternID returns the hex-encoded, truncated HMAC-SHA256 of the normalised
// pattern value, namespaced by pattern type.
func (s *Signer) PatternID(patternType models.PatternType, pattern string) string {
	normalized := NormalizePattern(patternType, pattern)
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(string(patternType)))
	mac.Write([]byte{0})
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)[:patternIDBytes])
}

// NormalizePattern canonicalises a raw pattern value for its type so that
// trivially distinct inputs share one identity.
//
// User agents are lower-cased with collapsed whitespace. Addresses are
// widened to their routing prefix (/24 for IPv4, /48 for IPv6) so single-host
// churn inside a range shares reputation. Behaviour hashes pass through.
func NormalizePattern(patternType models.PatternType, pattern string) string {
	pattern = strings.TrimSpace(pattern)
	switch patternType {
	case models.PatternUserAgent:
		return strings.Join(strings.Fields(strings.ToLower(pattern)), " ")
	case models.PatternIPRange:
		addr, err := netip.ParseAddr(pattern)
		if err != nil {
			// Maybe already a prefix.
			if p, perr := netip.ParsePrefix(pattern); perr == nil {
				return p.Masked().String()
			}
			return strings.ToLower(pattern)
		}
		addr = addr.Unmap()
		bits := 24
		if addr.Is6() {
			bits = 48
		}
		p, err := addr.Prefix(bits)
		if err != nil {
			return addr.String()
		}
		return p.String()
	default:
		return pattern
	}
}
