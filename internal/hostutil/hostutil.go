// Package hostutil normalizes URL hosts for per-host policy and
// concurrency caps (spec §6.3). Comparing the raw authority string lets
// host:port variants dodge a per-host cap; every lookup must go through
// Normalize.
package hostutil

import (
	"net/url"
	"strings"
)

// Normalize returns the lowercase hostname of rawurl with any port
// stripped. An unparsable URL yields "".
func Normalize(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
