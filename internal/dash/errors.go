package dash

import "errors"

var (
	// ErrNoMPD is returned when the fetched document parses but does not
	// contain a usable MPD element.
	ErrNoMPD = errors.New("document contains no MPD")

	// ErrBadManifest is returned when the document cannot be parsed or
	// violates a structural requirement (no periods, broken timeline).
	ErrBadManifest = errors.New("malformed manifest")

	// ErrAlreadyStarted is returned when Start is called twice on the
	// same parser instance.
	ErrAlreadyStarted = errors.New("parser already started")
)
