package recoverylog

import "errors"

var (
	// ErrClosed indicates the log is closed and can no longer accept appends.
	ErrClosed = errors.New("recoverylog: already closed")

	// ErrChecksumMismatch indicates a line's checksum did not match its
	// content. During Replay this is logged and the line is skipped, never
	// returned to the caller: replay must not abort on a single corrupt
	// line.
	ErrChecksumMismatch = errors.New("recoverylog: checksum mismatch")
)
