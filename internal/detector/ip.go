package detector

import (
	"context"
	"net/netip"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// CategoryIP groups contributions derived from the client address.
const CategoryIP = "IPRange"

// defaultDatacenterRanges lists address blocks belonging to hosting providers
// from which organic browser traffic is rare.
var defaultDatacenterRanges = []string{
	"20.15.240.0/20",
	"20.171.206.0/23",
	"40.83.2.0/23",
	"52.230.152.0/21",
	"20.171.207.0/24",
}

// IPRange scores the client address against a CIDR table of datacenter and
// known-bot ranges and publishes the derived indicator on the blackboard.
type IPRange struct {
	ranges []netip.Prefix
}

// NewIPRange parses the given CIDR list; empty input uses the built-in table.
// Unparseable entries are dropped.
func NewIPRange(cidrs []string) *IPRange {
	if len(cidrs) == 0 {
		cidrs = defaultDatacenterRanges
	}
	ranges := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			continue
		}
		ranges = append(ranges, p.Masked())
	}
	return &IPRange{ranges: ranges}
}

func (d *IPRange) Name() string { return "ip" }

func (d *IPRange) Detect(_ context.Context, view *models.RequestView, bb *Blackboard) (Result, error) {
	addr, err := netip.ParseAddr(view.ClientIP)
	if err != nil {
		return Contribution(d.Name(), CategoryIP, 0.2, 0.3, "unparseable client address"), nil
	}

	if addr.IsLoopback() || addr.IsPrivate() {
		bb.Set("request.ip.is_datacenter", false)
		return Contribution(d.Name(), CategoryIP, -0.3, 0.4, "private or loopback source"), nil
	}

	for _, p := range d.ranges {
		if p.Contains(addr) {
			bb.Set("request.ip.is_datacenter", true)
			return Contribution(d.Name(), CategoryIP, 0.6, 0.8, "client address inside datacenter range"), nil
		}
	}

	bb.Set("request.ip.is_datacenter", false)
	return Result{}, nil
}
