package detector

import (
	"context"
	"testing"
	"time"
)

func TestVelocityBurstExhaustion(t *testing.T) {
	d := NewVelocity(1, 2, nil)
	view := viewWithIP("203.0.113.10")

	res, err := d.Detect(context.Background(), view, NewBlackboard())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if c := singleContribution(t, res); c.ConfidenceDelta != -0.1 {
		t.Fatalf("first request delta = %v, want within-budget evidence", c.ConfidenceDelta)
	}

	res, err = d.Detect(context.Background(), view, NewBlackboard())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if c := singleContribution(t, res); c.ConfidenceDelta != 0.3 {
		t.Fatalf("second request delta = %v, want approaching-budget evidence", c.ConfidenceDelta)
	}

	bb := NewBlackboard()
	res, err = d.Detect(context.Background(), view, bb)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if c := singleContribution(t, res); c.ConfidenceDelta != 0.7 {
		t.Fatalf("exhausted request delta = %v, want rate-exceeded evidence", c.ConfidenceDelta)
	}
	if !bb.Bool("request.rate.exceeded") {
		t.Fatalf("blackboard missing rate.exceeded signal")
	}
}

func TestVelocityKeysClientsSeparately(t *testing.T) {
	d := NewVelocity(1, 1, nil)

	for _, ip := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		res, err := d.Detect(context.Background(), viewWithIP(ip), NewBlackboard())
		if err != nil {
			t.Fatalf("detect %s: %v", ip, err)
		}
		if c := singleContribution(t, res); c.ConfidenceDelta == 0.7 {
			t.Fatalf("%s: fresh client hit another client's bucket", ip)
		}
	}
}

func TestVelocityEmptyKeyProducesNothing(t *testing.T) {
	d := NewVelocity(1, 1, nil)

	res, err := d.Detect(context.Background(), viewWithIP(""), NewBlackboard())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Contributions) != 0 {
		t.Fatalf("unexpected contributions for unkeyable request: %+v", res.Contributions)
	}
}

func TestVelocityPruneDropsIdleBuckets(t *testing.T) {
	d := NewVelocity(1, 1, nil)

	if _, err := d.Detect(context.Background(), viewWithIP("203.0.113.1"), NewBlackboard()); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(d.buckets) != 1 {
		t.Fatalf("bucket not created")
	}

	d.prune(time.Now().Add(5 * time.Minute))
	if len(d.buckets) != 1 {
		t.Fatalf("bucket pruned before idle TTL")
	}

	d.prune(time.Now().Add(11 * time.Minute))
	if len(d.buckets) != 0 {
		t.Fatalf("idle bucket survived prune")
	}
}
