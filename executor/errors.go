package executor

import "errors"

var (
	// ErrInitialization reports that the engine or a session's resources
	// could not be created.
	ErrInitialization = errors.New("initialization failed")
	// ErrSessionNotFound is returned for IDs that were never created or
	// have been disposed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCompilation reports a script that does not parse.
	ErrCompilation = errors.New("compilation failed")
	// ErrExecution reports a script that threw or was interrupted.
	ErrExecution = errors.New("execution failed")
	// ErrArgumentMarshaling reports host input that cannot cross into the
	// engine. Nothing is changed when it is returned.
	ErrArgumentMarshaling = errors.New("argument marshaling failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("executor closed")
)
