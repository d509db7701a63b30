package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/vistalk/internal/exchange"
)

// ErrorKind classifies session errors.
type ErrorKind string

const (
	KindPermissionDenied    ErrorKind = "permission-denied"
	KindStreamError         ErrorKind = "stream-error"
	KindUploadError         ErrorKind = "upload-error"
	KindTimeout             ErrorKind = "timeout"
	KindPlaybackUnsupported ErrorKind = "playback-unsupported"
)

var (
	// ErrTimeout is the cause of a [KindTimeout] error.
	ErrTimeout = errors.New("session: no response within the time limit")

	// ErrClosed is returned by session methods after Run has returned.
	ErrClosed = errors.New("session: closed")

	// ErrSuperseded is returned by Acquire when a later acquire or a release
	// replaced the request before it completed.
	ErrSuperseded = errors.New("session: acquire superseded")
)

// Error is a session error as shown to the user. None of them is fatal.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error renders the user-visible message, e.g.
// "Upload error: Server responded with 500".
func (e *Error) Error() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Permission error: " + e.cause()
	case KindStreamError:
		return "Stream error: " + e.cause()
	case KindUploadError:
		var se *exchange.StatusError
		if errors.As(e.Err, &se) {
			return fmt.Sprintf("Upload error: Server responded with %d", se.Code)
		}
		return "Upload error: " + e.cause()
	case KindTimeout:
		return "Request timed out"
	case KindPlaybackUnsupported:
		return "Playback error: " + e.cause()
	default:
		return string(e.Kind) + ": " + e.cause()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) cause() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}
