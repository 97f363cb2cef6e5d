package flow

import "errors"

var (
	// ErrUnknownSession is returned for a session ID the store does not know.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionCompleted is returned for turns against a finished session.
	// It also matches ErrUnknownSession, since a completed session accepts no turns.
	ErrSessionCompleted error = sessionCompletedError{}

	// ErrPersistence means the turn was computed but could not be saved; nothing
	// about it was kept and the client may resend.
	ErrPersistence = errors.New("session could not be persisted")

	// ErrInvalidRequest covers missing tenant or client identifiers.
	ErrInvalidRequest = errors.New("invalid request")
)

type sessionCompletedError struct{}

func (sessionCompletedError) Error() string { return "session already completed" }

func (sessionCompletedError) Is(target error) bool { return target == ErrUnknownSession }
