// Package archive persists timeline records as JSON plus binary attachments
// under a deterministic directory tree, using a zero-byte "done" marker to
// make resumes idempotent.
package archive

import (
	"strings"
)

// EntryState is the lifecycle of one archive entry. The on-disk encoding is
// the marker-file mechanism existing archives already use: no directory means
// absent, a directory without the marker means a previous run was interrupted
// and the entry must be reprocessed, a directory with the marker is complete.
type EntryState int

const (
	EntryAbsent EntryState = iota
	EntryInProgress
	EntryComplete
)

func (s EntryState) String() string {
	switch s {
	case EntryAbsent:
		return "absent"
	case EntryInProgress:
		return "in-progress"
	case EntryComplete:
		return "complete"
	}
	return "unknown"
}

// doneMarker is the zero-byte completion flag, written last.
const doneMarker = "done"

// Sanitize strips the characters that cannot appear in file names on any of
// the platforms the archive is read from.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', '*', '?', ':', '"', '<', '>', '|':
			return -1
		}
		return r
	}, name)
}
