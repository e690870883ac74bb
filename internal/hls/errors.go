package hls

import "errors"

var (
	// ErrBadPlaylist is returned when a document cannot be parsed as an
	// m3u8 playlist or a referenced playlist has the wrong type.
	ErrBadPlaylist = errors.New("malformed playlist")

	// ErrAlreadyStarted is returned when Start is called twice on the
	// same parser instance.
	ErrAlreadyStarted = errors.New("parser already started")
)
