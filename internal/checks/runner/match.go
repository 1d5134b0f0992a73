package runner

import (
	"net/url"
	"strings"

	"github.com/gosimple/slug"
)

// containsPhrase reports whether phrase occurs in text as whole words, ignoring case,
// punctuation and accents.
func containsPhrase(text, phrase string) bool {
	needle := slug.Make(phrase)
	if needle == "" {
		return false
	}
	haystack := "-" + slug.Make(text) + "-"
	return strings.Contains(haystack, "-"+needle+"-")
}

// hostMatches reports whether link points at domain or one of its subdomains.
func hostMatches(link, domain string) bool {
	want := normalizeHost(domain)
	if want == "" {
		return false
	}
	got := normalizeHost(link)
	return got == want || strings.HasSuffix(got, "."+want)
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}
