package cache

import "errors"

var (
	// ErrStorageInsufficient means neither eviction nor the filesystem could
	// provide room for the new content.
	ErrStorageInsufficient = errors.New("insufficient storage")

	// ErrChecksumMismatch means the content hash differs from the expected one.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrFileMissing means an indexed file is gone or has the wrong length.
	ErrFileMissing = errors.New("file missing or corrupted")

	// ErrCacheIO wraps failures persisting the index.
	ErrCacheIO = errors.New("cache metadata I/O error")

	// ErrEmptyContent is returned when a source stream yields no bytes.
	ErrEmptyContent = errors.New("refusing to cache empty content")

	// ErrIncomplete means the stream ended before the declared size.
	ErrIncomplete = errors.New("incomplete content")
)
