package utils

import (
	"io"
)

// drainLimit bounds how much of an unread body is discarded so the
// connection can be reused.
const drainLimit = 4096

// Close closes c and ignores any error.
// Use for best-effort cleanup in defer where error handling is not critical.
func Close(c io.Closer) {
	_ = c.Close()
}

// DrainClose discards what is left of a response body (up to a few KiB) and closes it.
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, drainLimit))
	_ = rc.Close()
}
