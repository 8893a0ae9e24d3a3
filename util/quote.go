package util

import "strings"

// QuoteETag wraps a bare entity tag in double quotes. Already quoted and
// weak tags are returned unchanged.
func QuoteETag(tag string) string {
	if tag == "" {
		return ""
	}
	if strings.HasPrefix(tag, `"`) || strings.HasPrefix(tag, `W/"`) {
		return tag
	}
	return `"` + tag + `"`
}

// ETagMatches implements the weak comparison of an If-None-Match header
// value against etag.
func ETagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(QuoteETag(etag), "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(QuoteETag(candidate), "W/") == want {
			return true
		}
	}
	return false
}
