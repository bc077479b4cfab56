package reputation

import (
	"strings"
	"testing"

	"github.com/verdictstack/verdict-engine/internal/models"
)

var testKey = []byte(strings.Repeat("k", 32))

func TestNewSignerRejectsWeakKey(t *testing.T) {
	if _, err := NewSigner([]byte("short")); err != ErrWeakKey {
		t.Fatalf("got %v, want ErrWeakKey", err)
	}
	if _, err := NewSigner(testKey); err != nil {
		t.Fatalf("32-byte key rejected: %v", err)
	}
}

func TestPatternIDStableAcrossTrivialVariants(t *testing.T) {
	signer, err := NewSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	a := signer.PatternID(models.PatternUserAgent, "Mozilla/5.0  (X11; Linux)")
	b := signer.PatternID(models.PatternUserAgent, "mozilla/5.0 (x11; linux)")
	if a != b {
		t.Fatalf("case and whitespace variants produced different IDs: %s vs %s", a, b)
	}

	c := signer.PatternID(models.PatternUserAgent, "curl/8.0")
	if a == c {
		t.Fatalf("distinct agents share an ID")
	}
}

func TestPatternIDGroupsAddressesByPrefix(t *testing.T) {
	signer, _ := NewSigner(testKey)

	a := signer.PatternID(models.PatternIPRange, "203.0.113.10")
	b := signer.PatternID(models.PatternIPRange, "203.0.113.200")
	if a != b {
		t.Fatalf("addresses in the same /24 got different IDs")
	}

	c := signer.PatternID(models.PatternIPRange, "203.0.114.10")
	if a == c {
		t.Fatalf("addresses in different /24s share an ID")
	}

	v6a := signer.PatternID(models.PatternIPRange, "2001:db8:1:2::1")
	v6b := signer.PatternID(models.PatternIPRange, "2001:db8:1:3::1")
	if v6a == v6b {
		t.Fatalf("addresses in different /48s share an ID")
	}
}

func TestPatternIDNamespacedByType(t *testing.T) {
	signer, _ := NewSigner(testKey)

	ua := signer.PatternID(models.PatternUserAgent, "value")
	bh := signer.PatternID(models.PatternBehaviorHash, "value")
	if ua == bh {
		t.Fatalf("same value under different types share an ID")
	}
}

func TestPatternIDDependsOnKey(t *testing.T) {
	s1, _ := NewSigner(testKey)
	s2, _ := NewSigner([]byte(strings.Repeat("x", 32)))

	if s1.PatternID(models.PatternUserAgent, "curl/8.0") == s2.PatternID(models.PatternUserAgent, "curl/8.0") {
		t.Fatalf("different keys produced the same ID")
	}
}

func TestNormalizePatternMappedV4(t *testing.T) {
	// 4-in-6 form must normalise like the plain IPv4 address.
	a := NormalizePattern(models.PatternIPRange, "::ffff:203.0.113.10")
	b := NormalizePattern(models.PatternIPRange, "203.0.113.99")
	if a != b {
		t.Fatalf("mapped v4 normalised to %q, plain to %q", a, b)
	}
}
