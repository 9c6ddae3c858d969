package imapx

import "errors"

// ErrAuthExpired marks authentication failures that retrying cannot fix:
// an expired or revoked OAuth token, or rejected credentials. Callers surface
// a re-authorization prompt instead of retrying.
var ErrAuthExpired = errors.New("authentication expired or revoked")

// ErrNotConnected is returned when a command runs against a closed session.
var ErrNotConnected = errors.New("not connected")

// ErrPoolClosed is returned by Acquire after the pool has shut down.
var ErrPoolClosed = errors.New("connection pool closed")

// ErrMessageNotFound is returned when a fetch targets a UID that no longer
// exists in the selected mailbox.
var ErrMessageNotFound = errors.New("message not found")

// ErrFolderMissing is returned when a target mailbox does not exist, with the
// folder name attached so a collaborator can auto-create it.
type ErrFolderMissing struct {
	Folder string
}

func (e *ErrFolderMissing) Error() string {
	return "folder does not exist: " + e.Folder
}
