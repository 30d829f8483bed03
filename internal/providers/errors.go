package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError carries the status and body of a failed back-end call.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Failure classes surfaced by adapters.
var (
	// ErrModelUnavailable triggers the fallback chain.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrUnauthorized means invalid credentials; never retried.
	ErrUnauthorized = errors.New("invalid credentials")
	// ErrQuota means the back-end rate/quota limit was hit; never retried.
	ErrQuota = errors.New("quota exceeded")
	// ErrTimeout means the stream exceeded its deadline.
	ErrTimeout = errors.New("provider timeout")
)

// ClassifyHTTP maps a back-end HTTP failure to its class. A 404, or any 4xx
// whose body mentions the model, counts as model-unavailable and is eligible
// for fallback; 401 and 429 are terminal.
func ClassifyHTTP(err error) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	switch {
	case httpErr.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrModelUnavailable, httpErr.Body)
	case httpErr.Status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, httpErr.Body)
	case httpErr.Status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuota, httpErr.Body)
	case httpErr.Status >= 400 && httpErr.Status < 500 &&
		strings.Contains(strings.ToLower(httpErr.Body), "model"):
		return fmt.Errorf("%w: %s", ErrModelUnavailable, httpErr.Body)
	}
	return err
}

// ParseRetryAfter reads a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
