package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryHeaders extracts retry hints from standard response headers.
// Retry-After may be either delay-seconds or an HTTP date; X-RateLimit-Reset
// is a unix timestamp.
func ParseRetryHeaders(headers http.Header) RetryInfo {
	info := RetryInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(at); d > 0 {
				info.RetryAfter = d
			}
		}
	}

	if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
		if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
			info.ResetTime = ts
		}
	}

	return info
}
