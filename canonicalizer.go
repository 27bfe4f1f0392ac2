package mediaresolver

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
)

// purellFlags is the normalization applied after query scrubbing. It
// stays within purell's semantics-preserving set plus host cleanups, so
// a canonical URL always identifies the same resource as its input.
//
// See https://godoc.org/github.com/PuerkitoBio/purell#NormalizationFlags
const purellFlags = purell.FlagsSafe |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagDecodeDWORDHost |
	purell.FlagDecodeOctalHost |
	purell.FlagDecodeHexHost |
	purell.FlagRemoveUnnecessaryHostDots |
	purell.FlagRemoveEmptyPortSeparator

// trackerParamPattern matches query params that identify a campaign or
// a share event rather than content, so they are stripped from every
// host. Seeded from the url-tracking-stripper extension's documentation:
//
// https://github.com/newhouse/url-tracking-stripper/blob/dea6c144/README.md#documentation
var trackerParamPattern = regexp.MustCompile(`(?i)^(` + strings.Join([]string{
	// Google's Urchin Tracking Module & Google Adwords, including the
	// omega_ prefixed variants some ad platforms emit
	`(omega_)?utm_.+`,
	`gclid`,

	// Adobe Omniture SiteCatalyst
	`icid`,

	// Facebook
	`fbclid`,

	// Ad-campaign annotations
	`(omega_)?ad(set)?_name`,
	`ad_id`,
	`campaign_id`,
	`variant`,

	// Hubspot
	`_hsenc`,
	`_hsmi`,

	// Marketo
	`mkt_.+`,

	// MailChimp
	`mc_.+`,

	// Share-link annotations on video sites
	`si`,
	`igshid`,
	`feature`,

	// Unknown
	`nr_email_referer`,
	`ncid`,
	`ref`,

	// Garbage-looking params noticed in resolver logs
	`_r`,
	`currentPage`,
	`fsrc`,
	`mb?id`,
	`mobile_touch`,
	`ocid`,
	`rss`,
	`s_(sub)?src`,
	`smid`,
	`wpsrc`,
}, `|`) + `)$`)

// A hostRule gives one media host special canonicalization treatment.
// When allowParam is nil every query param is dropped; hosts without a
// rule keep any param the tracker pattern lets through.
type hostRule struct {
	host       *regexp.Regexp
	allowParam *regexp.Regexp
	lowerPath  bool
}

var hostRules = []hostRule{
	// Params that select the actual media must survive canonicalization
	// or distinct videos would collapse into one cache entry.
	{host: hostPattern(`youtube\.com`), allowParam: regexp.MustCompile(`^(v|p|t|list)$`)},
	{host: hostPattern(`twitch\.tv`), allowParam: regexp.MustCompile(`^(t|video)$`)},

	// These hosts select media by path alone; anything in the query is
	// decoration.
	{host: hostPattern(`dailymotion\.com`)},
	{host: hostPattern(`redgifs\.com`)},
	{host: hostPattern(`soundcloud\.com`)},
	{host: hostPattern(`streamable\.com`)},
	{host: hostPattern(`vimeo\.com`)},

	// Same, and their paths are case-insensitive, so fold those too.
	{host: hostPattern(`instagram\.com`), lowerPath: true},
	{host: hostPattern(`tiktok\.com`), lowerPath: true},
	{host: hostPattern(`twitter\.com`), lowerPath: true},
}

func hostPattern(domain string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\.)` + domain + `$`)
}

func ruleFor(hostname string) *hostRule {
	for i := range hostRules {
		if hostRules[i].host.MatchString(hostname) {
			return &hostRules[i]
		}
	}
	return nil
}

// Canonicalize scrubs tracking params from a URL and normalizes it into
// the form used for cache keys, request coalescing, and a Result's
// PageURL. The URL is modified in place. Media URLs are never
// canonicalized; their query params are often signed.
func Canonicalize(u *url.URL) string {
	rule := ruleFor(u.Hostname())
	scrubQuery(u, rule)
	u.Fragment = ""
	if rule != nil && rule.lowerPath {
		u.Path = strings.ToLower(u.Path)
	}
	return purell.NormalizeURL(u, purellFlags)
}

// scrubQuery drops tracking params plus, for hosts with a rule,
// everything the rule does not explicitly allow. Surviving params come
// back sorted and consistently encoded.
func scrubQuery(u *url.URL, rule *hostRule) {
	if u.RawQuery == "" {
		return
	}
	kept := url.Values{}
	for param, values := range u.Query() {
		if trackerParamPattern.MatchString(param) {
			continue
		}
		if rule != nil && (rule.allowParam == nil || !rule.allowParam.MatchString(param)) {
			continue
		}
		for _, v := range values {
			kept.Add(param, v)
		}
	}
	u.RawQuery = kept.Encode()
}
