// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to drive the activity level from a test and inspect the frames
// that were written.
//
// Example:
//
//	sess := &mock.Session{}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
//	sess.SetLevel(40) // next Level() call reports speech
package mock

import (
	"sync"

	"github.com/MrWong99/vistalk/pkg/audio"
	"github.com/MrWong99/vistalk/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewSessionCall, len(e.NewSessionCalls))
	copy(out, e.NewSessionCalls)
	return out
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	level float64

	// WriteErr, if non-nil, is returned by every Write call.
	WriteErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// WriteCallCount is the number of frames passed to Write.
	WriteCallCount int

	// LevelCallCount is the number of times Level was called.
	LevelCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SetLevel sets the value returned by subsequent Level calls. Thread-safe.
func (s *Session) SetLevel(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = v
}

// Write records the call and returns WriteErr.
func (s *Session) Write(_ audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteCallCount++
	return s.WriteErr
}

// Level records the call and returns the level set by SetLevel.
func (s *Session) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LevelCallCount++
	return s.level
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Writes returns WriteCallCount. Thread-safe.
func (s *Session) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WriteCallCount
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
