// Package article defines the normalized news article model and its
// identity fingerprint. The storage layer assigns fingerprints with
// Fingerprint, and the pipeline calls it directly only when it runs
// without the store; everyone else treats fingerprints as opaque keys.
package article

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Article is the normalized unit of news.
type Article struct {
	Fingerprint  string
	Title        string
	Summary      string
	Content      string
	URL          string
	Source       string
	Author       string
	Language     string
	Category     string
	Keywords     []string
	Query        string
	PublishedAt  time.Time
	DiscoveredAt time.Time
	LastSeenAt   time.Time
}

// Fingerprint computes the stable identity key for an article: the
// lowercased canonical URL when one is present, otherwise a hash of
// title, source, and published day. Both forms carry a prefix so the
// two namespaces cannot collide.
func Fingerprint(a Article) string {
	if u := CanonicalURL(a.URL); u != "" {
		return "u:" + u
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(a.Title))))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(a.Source))))
	h.Write([]byte{0x1f})
	h.Write([]byte(a.PublishedAt.UTC().Format("2006-01-02")))
	return "t:" + hex.EncodeToString(h.Sum(nil))
}

// CanonicalURL lowercases scheme and host, strips the fragment and
// tracking query parameters, and removes a trailing slash. Returns ""
// for empty or unparseable input.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimRight(u.Path, "/")

	return u.String()
}

// MergeKeywords unions two keyword lists preserving first-seen order.
func MergeKeywords(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, k := range existing {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	for _, k := range incoming {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
