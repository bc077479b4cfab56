package detector

import (
	"context"
	"strings"

	"github.com/verdictstack/verdict-engine/internal/models"
)

// CategoryUserAgent groups contributions derived from the User-Agent string.
const CategoryUserAgent = "UserAgent"

// defaultBotAgents are case-insensitive substrings of user agents operated by
// known crawlers and scrapers.
var defaultBotAgents = []string{
	"gptbot", "chatgpt-user", "oai-searchbot",
	"ccbot",
	"claudebot", "claude-web", "anthropic-ai",
	"meta-externalagent", "meta-externalfetcher", "facebookbot",
	"facebookexternalhit",
	"perplexitybot",
	"bytespider",
	"google-extended",
	"applebot-extended",
	"cohere-ai",
	"diffbot",
	"imagesiftbot",
	"omgilibot", "omgili",
	"youbot",
	"amazonbot",
	"ai2bot",
	"scrapy",
	"petalbot",
	"semrushbot",
	"ahrefsbot",
	"mj12bot",
	"dotbot",
	"blexbot",
	"dataforseobot",
	"magpie-crawler",
	"python-requests", "python-urllib",
	"go-http-client",
	"curl/", "wget/",
	"headlesschrome", "phantomjs",
}

// UserAgent scores the request's user-agent string against a table of known
// automation clients and structural heuristics. It runs entirely in memory
// and is fast-path safe.
type UserAgent struct {
	patterns []string
}

// NewUserAgent builds the detector; extra patterns are matched in addition to
// the built-in table.
func NewUserAgent(extra ...string) *UserAgent {
	patterns := make([]string, 0, len(defaultBotAgents)+len(extra))
	patterns = append(patterns, defaultBotAgents...)
	for _, p := range extra {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &UserAgent{patterns: patterns}
}

func (d *UserAgent) Name() string { return "useragent" }

// Detect emits strong bot evidence on a table match, weaker evidence for
// missing or degenerate values, and mild human evidence for plausible
// browser strings.
func (d *UserAgent) Detect(_ context.Context, view *models.RequestView, bb *Blackboard) (Result, error) {
	ua := strings.TrimSpace(view.UserAgent)
	if ua == "" {
		bb.Set("request.ua.present", false)
		return Contribution(d.Name(), CategoryUserAgent, 0.5, 0.7, "missing user-agent header"), nil
	}
	bb.Set("request.ua.present", true)

	lower := strings.ToLower(ua)
	for _, pattern := range d.patterns {
		if strings.Contains(lower, pattern) {
			bb.Set("request.ua.matched_bot", true)
			return Contribution(d.Name(), CategoryUserAgent, 0.95, 1.0,
				"user-agent matches known automation client "+pattern), nil
		}
	}

	if len(ua) < 12 {
		return Contribution(d.Name(), CategoryUserAgent, 0.35, 0.5, "implausibly short user-agent"), nil
	}

	if strings.HasPrefix(lower, "mozilla/5.0") {
		return Contribution(d.Name(), CategoryUserAgent, -0.2, 0.3, "browser-shaped user-agent"), nil
	}

	return Result{}, nil
}
