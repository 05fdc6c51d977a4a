package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/client"
)

// DefaultTTL is used when neither the response nor the config set one.
const DefaultTTL = 24 * time.Hour

// EntryFromResponse builds an entry from an upstream response. Expiry comes
// from Cache-Control max-age, then Expires, then fallback. A response marked
// no-store yields an already expired entry, which Set ignores.
func EntryFromResponse(resp *client.Response, fallback time.Duration) *Entry {
	now := time.Now()
	if fallback <= 0 {
		fallback = DefaultTTL
	}

	entry := &Entry{
		Data:       resp.Body,
		StatusCode: resp.Status,
		CachedAt:   now,
		Expires:    now.Add(fallback),
	}
	if resp.Header == nil {
		return entry
	}

	entry.ContentType = resp.Header.Get("Content-Type")
	entry.Expires = parseExpires(resp.Header, now, fallback)
	return entry
}

func parseExpires(headers http.Header, now time.Time, fallback time.Duration) time.Time {
	for _, directive := range strings.Split(headers.Get("Cache-Control"), ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store":
			return now
		case strings.HasPrefix(directive, "max-age="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil && secs > 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
		}
	}

	if raw := headers.Get("Expires"); raw != "" {
		if expires, err := http.ParseTime(raw); err == nil && expires.After(now) {
			return expires
		}
	}
	return now.Add(fallback)
}
