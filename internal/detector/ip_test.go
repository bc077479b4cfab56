package detector

import (
	"context"
	"testing"

	"github.com/verdictstack/verdict-engine/internal/models"
)

func viewWithIP(ip string) *models.RequestView {
	return &models.RequestView{RequestID: "req-1", ClientIP: ip}
}

func TestDetectorNamesMatchRegistry(t *testing.T) {
	// Wave configuration and metrics reference detectors by these names.
	rep, _, _ := newReputationFixture(t)
	for _, tc := range []struct {
		det  Detector
		want string
	}{
		{rep, "reputation"},
		{NewUserAgent(), "useragent"},
		{NewHeaders(nil), "headers"},
		{NewIPRange(nil), "ip"},
		{NewVelocity(1, 1, nil), "velocity"},
		{NewVerifiedBot(&fakeResolver{}), "verifiedbot"},
	} {
		if got := tc.det.Name(); got != tc.want {
			t.Fatalf("detector name = %q, want %q", got, tc.want)
		}
	}
}

func TestIPRangeDatacenterHit(t *testing.T) {
	d := NewIPRange([]string{"203.0.113.0/24"})
	bb := NewBlackboard()

	res, err := d.Detect(context.Background(), viewWithIP("203.0.113.50"), bb)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	c := singleContribution(t, res)
	if c.ConfidenceDelta != 0.6 {
		t.Fatalf("delta = %v, want datacenter evidence", c.ConfidenceDelta)
	}
	if !bb.Bool("request.ip.is_datacenter") {
		t.Fatalf("blackboard missing is_datacenter signal")
	}
}

func TestIPRangeOutsideRanges(t *testing.T) {
	d := NewIPRange([]string{"203.0.113.0/24"})
	bb := NewBlackboard()

	res, err := d.Detect(context.Background(), viewWithIP("198.51.100.7"), bb)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Contributions) != 0 {
		t.Fatalf("unexpected contributions for unremarkable address: %+v", res.Contributions)
	}
	if bb.Bool("request.ip.is_datacenter") {
		t.Fatalf("is_datacenter should be false")
	}
}

func TestIPRangePrivateAndLoopback(t *testing.T) {
	d := NewIPRange(nil)

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.5"} {
		res, err := d.Detect(context.Background(), viewWithIP(ip), NewBlackboard())
		if err != nil {
			t.Fatalf("detect %s: %v", ip, err)
		}
		c := singleContribution(t, res)
		if c.ConfidenceDelta != -0.3 {
			t.Fatalf("%s: delta = %v, want human-leaning evidence", ip, c.ConfidenceDelta)
		}
	}
}

func TestIPRangeUnparseable(t *testing.T) {
	d := NewIPRange(nil)

	res, err := d.Detect(context.Background(), viewWithIP("not-an-address"), NewBlackboard())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	c := singleContribution(t, res)
	if c.ConfidenceDelta != 0.2 {
		t.Fatalf("delta = %v, want mild suspicion for garbage address", c.ConfidenceDelta)
	}
}

func TestIPRangeDropsBadCIDRs(t *testing.T) {
	d := NewIPRange([]string{"bogus", "203.0.113.0/24"})

	res, err := d.Detect(context.Background(), viewWithIP("203.0.113.1"), NewBlackboard())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Contributions) != 1 {
		t.Fatalf("valid CIDR dropped along with the bogus one")
	}
}
