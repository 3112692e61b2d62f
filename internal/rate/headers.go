package rate

import (
	"net/http"
	"strconv"
	"time"
)

// WriteHeaders sets the standard rate-limit headers. Retry-After is only
// written for limited results. X-RateLimit-Reset is in unix seconds.
func WriteHeaders(h http.Header, r Result, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	reset := now.Add(time.Duration(r.ResetMs) * time.Millisecond)
	h.Set("X-RateLimit-Reset", strconv.FormatInt((reset.UnixMilli()+999)/1000, 10))
	if r.Limited {
		h.Set("Retry-After", strconv.Itoa(r.RetryAfter()))
	}
}
