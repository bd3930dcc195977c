package config

import (
	"fmt"
	"time"

	"ssw-nginx-etl/pkg/types"
)

// DefaultPlatformRules is the built-in user-agent classification table.
// Ordered, first match wins; a YAML `rules.platform` block replaces it
// entirely. Output keys: platform, device_type, browser_type, os_type,
// bot_type, entry_source.
func DefaultPlatformRules() []types.ClassifierRule {
	return []types.ClassifierRule{
		// In-house app agents first: they embed the platform in the name.
		{Pattern: `(?i)zgt-ios|okhttp-ios|\bios-app\b`, Priority: 10, Outputs: map[string]string{
			"platform": "iOS", "device_type": "mobile", "os_type": "iOS", "entry_source": "app"}},
		{Pattern: `(?i)zgt-android|okhttp-android|\bandroid-app\b`, Priority: 10, Outputs: map[string]string{
			"platform": "Android", "device_type": "mobile", "os_type": "Android", "entry_source": "app"}},

		// Bots before browsers: many spoof browser tokens after the bot name.
		{Pattern: `(?i)googlebot`, Priority: 20, Outputs: map[string]string{
			"platform": "Web", "device_type": "bot", "bot_type": "googlebot", "entry_source": "crawler"}},
		{Pattern: `(?i)bingbot`, Priority: 20, Outputs: map[string]string{
			"platform": "Web", "device_type": "bot", "bot_type": "bingbot", "entry_source": "crawler"}},
		{Pattern: `(?i)baiduspider`, Priority: 20, Outputs: map[string]string{
			"platform": "Web", "device_type": "bot", "bot_type": "baiduspider", "entry_source": "crawler"}},
		{Pattern: `(?i)bot|spider|crawler|scrapy|python-requests|curl|wget`, Priority: 25, Outputs: map[string]string{
			"platform": "Web", "device_type": "bot", "bot_type": "generic", "entry_source": "crawler"}},

		// Mobile browsers.
		{Pattern: `(?i)iphone|ipod`, Priority: 30, Outputs: map[string]string{
			"platform": "iOS", "device_type": "mobile", "os_type": "iOS", "browser_type": "safari", "entry_source": "web"}},
		{Pattern: `(?i)ipad`, Priority: 30, Outputs: map[string]string{
			"platform": "iOS", "device_type": "tablet", "os_type": "iOS", "browser_type": "safari", "entry_source": "web"}},
		{Pattern: `(?i)android.*mobile`, Priority: 31, Outputs: map[string]string{
			"platform": "Android", "device_type": "mobile", "os_type": "Android", "browser_type": "chrome", "entry_source": "web"}},
		{Pattern: `(?i)android`, Priority: 32, Outputs: map[string]string{
			"platform": "Android", "device_type": "tablet", "os_type": "Android", "browser_type": "chrome", "entry_source": "web"}},

		// Desktop.
		{Pattern: `(?i)windows nt`, Priority: 40, Outputs: map[string]string{
			"platform": "Windows", "device_type": "desktop", "os_type": "Windows", "entry_source": "web"}},
		{Pattern: `(?i)macintosh|mac os x`, Priority: 40, Outputs: map[string]string{
			"platform": "macOS", "device_type": "desktop", "os_type": "macOS", "entry_source": "web"}},
		{Pattern: `(?i)linux|x11`, Priority: 41, Outputs: map[string]string{
			"platform": "Linux", "device_type": "desktop", "os_type": "Linux", "entry_source": "web"}},
	}
}

// DefaultAPIRules maps normalized URI prefixes to low-cardinality
// categories. Unknown prefixes fall through to "other" in the enricher.
func DefaultAPIRules() []types.ClassifierRule {
	return []types.ClassifierRule{
		{Pattern: `^/(health|healthz|ping|ready)`, Priority: 10, Outputs: map[string]string{"api_category": "health"}},
		{Pattern: `^/api/v[0-9]+/(auth|login|logout|token|oauth)`, Priority: 20, Outputs: map[string]string{"api_category": "auth"}},
		{Pattern: `^/(admin|manage|console)`, Priority: 30, Outputs: map[string]string{"api_category": "admin"}},
		{Pattern: `^/api/`, Priority: 40, Outputs: map[string]string{"api_category": "business"}},
		{Pattern: `\.(js|css|png|jpe?g|gif|svg|ico|woff2?|ttf|map)$`, Priority: 50, Outputs: map[string]string{"api_category": "static"}},
		{Pattern: `^/static/|^/assets/|^/public/`, Priority: 51, Outputs: map[string]string{"api_category": "static"}},
	}
}

// NormalizeDate accepts partition dates as YYYY-MM-DD or YYYYMMDD and
// returns the canonical YYYY-MM-DD form.
func NormalizeDate(s string) (string, error) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("invalid partition date %q (want YYYY-MM-DD or YYYYMMDD)", s)
}
