package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotModified means the platform rejected an edit because the new content
// is identical to the current one. Callers treat it as success.
var ErrNotModified = errors.New("message not modified")

// ErrNotEditable means the target message is gone or can no longer be
// edited. A job receiving this on its first edit aborts silently.
var ErrNotEditable = errors.New("message not editable")

// FloodError carries the platform's retry-after hint for rate-limit
// rejections. The scheduler sleeps RetryAfter+1s and retries once.
type FloodError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *FloodError) Unwrap() error { return e.Err }

// AsFlood extracts a FloodError from err, if any.
func AsFlood(err error) (*FloodError, bool) {
	var fe *FloodError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
