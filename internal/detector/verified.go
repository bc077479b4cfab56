package detector

import (
	"context"
	"net"
	"strings"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// Resolver is the reverse-DNS lookup used to verify crawler identities.
// net.DefaultResolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// verifiedCrawler pairs a user-agent marker with the reverse-DNS suffixes
// the operator publishes for its fetchers.
type verifiedCrawler struct {
	uaMarker     string
	rdnsSuffixes []string
}

var defaultVerifiedCrawlers = []verifiedCrawler{
	{uaMarker: "googlebot", rdnsSuffixes: []string{".googlebot.com.", ".google.com."}},
	{uaMarker: "bingbot", rdnsSuffixes: []string{".search.msn.com."}},
	{uaMarker: "duckduckbot", rdnsSuffixes: []string{".duckduckgo.com."}},
	{uaMarker: "applebot", rdnsSuffixes: []string{".applebot.apple.com."}},
	{uaMarker: "yandexbot", rdnsSuffixes: []string{".yandex.ru.", ".yandex.net.", ".yandex.com."}},
}

// VerifiedBot confirms self-declared crawler identities via reverse DNS. A
// confirmed identity produces the Verified override; a crawler claim the
// DNS does not back is strong impersonation evidence. Requests that claim
// no crawler identity produce nothing.
type VerifiedBot struct {
	resolver Resolver
	crawlers []verifiedCrawler
}

// NewVerifiedBot builds the detector; a nil resolver uses net.DefaultResolver.
func NewVerifiedBot(resolver Resolver) *VerifiedBot {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &VerifiedBot{resolver: resolver, crawlers: defaultVerifiedCrawlers}
}

func (d *VerifiedBot) Name() string { return "verifiedbot" }

func (d *VerifiedBot) Detect(ctx context.Context, view *models.RequestView, bb *Blackboard) (Result, error) {
	ua := strings.ToLower(view.UserAgent)
	var claim *verifiedCrawler
	for i := range d.crawlers {
		if strings.Contains(ua, d.crawlers[i].uaMarker) {
			claim = &d.crawlers[i]
			break
		}
	}
	if claim == nil {
		return Result{}, nil
	}

	names, err := d.resolver.LookupAddr(ctx, view.ClientIP)
	if err != nil {
		// Resolution failure is not impersonation proof; lean suspicious.
		return Contribution(d.Name(), CategoryUserAgent, 0.4, 0.5,
			"crawler identity claimed but reverse lookup failed"), nil
	}

	for _, name := range names {
		host := strings.ToLower(name)
		if !strings.HasSuffix(host, ".") {
			host += "."
		}
		for _, suffix := range claim.rdnsSuffixes {
			if strings.HasSuffix(host, suffix) {
				bb.Set("request.identity.verified", true)
				bb.Set("request.identity.crawler", claim.uaMarker)
				return Contribution(d.Name(), models.CategoryVerified, -1, 2,
					"crawler identity verified via reverse dns"), nil
			}
		}
	}

	return Contribution(d.Name(), CategoryUserAgent, 0.9, 1.2,
		"crawler identity claimed but reverse dns does not match"), nil
}
