package core

import "fmt"

// SessionConflictError is returned when a pull request already has an active healing session.
type SessionConflictError struct {
	PullRequest string
	SessionID   string
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("pull request %s already has an active healing session %s", e.PullRequest, e.SessionID)
}

func (e *SessionConflictError) ErrorKind() Kind {
	return KindConflict
}
