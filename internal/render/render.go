// Package render abstracts the external render process behind a Backend so
// the dispatch machinery can be exercised without spawning one.
package render

import (
	"github.com/gravitational/trace"
)

// Backend renders single frames of an uploaded session. Render blocks until
// the frame is done and returns the encoded image together with its file
// extension, without a leading dot. Implementations service one frame at a
// time; callers may invoke Render from multiple goroutines.
type Backend interface {
	Render(session string, frame int, format string) (data []byte, ext string, err error)
	Close() error
}

// errOutputMissing marks a render that reported success but left no image
// file behind. The server treats this as fatal: the worker is in an unknown
// state and every further frame would be lost the same way.
type errOutputMissing struct {
	image string
}

func (e errOutputMissing) Error() string {
	return "could not find saved frame " + e.image + ", something must have gone wrong with the render"
}

// IsOutputMissing reports whether err means the worker's output file never
// appeared.
func IsOutputMissing(err error) bool {
	_, ok := trace.Unwrap(err).(errOutputMissing)
	return ok
}
