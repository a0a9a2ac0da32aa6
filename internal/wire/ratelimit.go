package wire

import (
	"net/http"
	"strconv"
	"time"
)

// DefaultResetDelay is used when a throttled response carries no usable
// retry or reset guidance.
const DefaultResetDelay = 60 * time.Second

// Reset values above this are unix timestamps; below, seconds-from-now.
const epochCutoff = 1e8

// RateLimitInfo is the canonical view of throttling metadata. Fields hold
// the raw header values; empty means the gateway did not expose that field.
type RateLimitInfo struct {
	Limit      string `json:"limit,omitempty"`
	Remaining  string `json:"remaining,omitempty"`
	Reset      string `json:"reset,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// aliasSet lists the known spellings of one canonical field, most common
// first. First spelling present wins even when several appear together.
type aliasSet struct {
	canonical string
	spellings []string
}

var headerAliases = []aliasSet{
	{"limit", []string{"X-RateLimit-Limit", "X-Rate-Limit-Limit", "RateLimit-Limit"}},
	{"remaining", []string{"X-RateLimit-Remaining", "X-Rate-Limit-Remaining", "RateLimit-Remaining"}},
	{"reset", []string{"X-RateLimit-Reset", "X-Rate-Limit-Reset", "RateLimit-Reset"}},
	{"retry-after", []string{"Retry-After"}},
}

// ExtractRateLimitInfo normalizes throttling headers into one canonical
// record. Gateways do not agree on header naming, so lookup runs over a
// priority-ordered alias table with case-insensitive matching.
func ExtractRateLimitInfo(h http.Header) RateLimitInfo {
	var info RateLimitInfo
	for _, set := range headerAliases {
		value := ""
		for _, name := range set.spellings {
			if v := h.Get(name); v != "" {
				value = v
				break
			}
		}
		switch set.canonical {
		case "limit":
			info.Limit = value
		case "remaining":
			info.Remaining = value
		case "reset":
			info.Reset = value
		case "retry-after":
			info.RetryAfter = value
		}
	}
	return info
}

// HasAny reports whether the gateway exposed any rate-limit metadata at all.
func (info RateLimitInfo) HasAny() bool {
	return info.Limit != "" || info.Remaining != "" || info.Reset != "" || info.RetryAfter != ""
}

// ResetDelay derives how long to wait before a reset-verification request.
// Retry-After takes priority over the reset family; an extra second pads the
// computed wait so the verification lands after the window rolls over.
// Unparseable or absent guidance falls back to DefaultResetDelay.
func (info RateLimitInfo) ResetDelay(now time.Time) time.Duration {
	if info.RetryAfter != "" {
		if secs, err := strconv.ParseFloat(info.RetryAfter, 64); err == nil && secs >= 0 {
			return time.Duration(secs*float64(time.Second)) + time.Second
		}
	}
	if info.Reset != "" {
		if v, err := strconv.ParseFloat(info.Reset, 64); err == nil && v >= 0 {
			if v > epochCutoff {
				d := time.Unix(int64(v), 0).Sub(now)
				if d < 0 {
					d = 0
				}
				return d + time.Second
			}
			return time.Duration(v*float64(time.Second)) + time.Second
		}
	}
	return DefaultResetDelay
}
