package dispatch

import (
	"errors"
	"fmt"
)

// ErrContentUnavailable means a schedule's message text could not be
// resolved this tick. The schedule's state is left untouched so the
// next tick retries it.
var ErrContentUnavailable = errors.New("message content unavailable")

type contentError struct {
	url string
	err error
}

func (e *contentError) Error() string {
	return fmt.Sprintf("content from %s: %v", e.url, e.err)
}

func (e *contentError) Unwrap() error { return ErrContentUnavailable }
