// Package session holds the classifier chosen for this process. It is a
// single-writer state machine:
//
//	Unresolved -> Resolving -> Ready{Remote|LocalFallback}
//	                        -> Failed -> Resolving (on reconfiguration)
//
// Ready is terminal; the selected classifier is written once and never reset.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/vrclassify/internal/apperror"
)

// Source records which resolution path produced the selection.
type Source uint8

const (
	SourceNone Source = iota
	SourceRemote
	SourceLocalFallback
)

func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceLocalFallback:
		return "local_fallback"
	default:
		return "none"
	}
}

// State is the resolution phase.
type State uint8

const (
	StateUnresolved State = iota
	StateResolving
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// Selected is the classifier every classification uses.
type Selected struct {
	ClassifierID string
	Source       Source
}

var (
	// ErrAlreadyReady is returned when a resolution is requested after one succeeded.
	ErrAlreadyReady = errors.New("session already has a classifier")
	// ErrInProgress is returned when a resolution is already running.
	ErrInProgress = errors.New("classifier resolution already in progress")
	// ErrNotResolving is returned when a result is reported outside a resolution.
	ErrNotResolving = errors.New("no classifier resolution in progress")
)

// Snapshot is a consistent view of the session.
type Snapshot struct {
	State    State
	Selected Selected
	Err      error
}

// Session is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	state    State
	selected Selected
	err      error
	settled  chan struct{}
}

// New returns an unresolved session.
func New() *Session {
	return &Session{state: StateUnresolved, settled: make(chan struct{})}
}

// Begin moves the session into Resolving. It fails when a classifier has
// already been selected or another resolution is running.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return ErrAlreadyReady
	case StateResolving:
		return ErrInProgress
	case StateFailed:
		s.settled = make(chan struct{})
		s.err = nil
	}
	s.state = StateResolving
	return nil
}

// Resolve records the selected classifier and moves the session to Ready.
func (s *Session) Resolve(sel Selected) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateResolving {
		if s.state == StateReady {
			return ErrAlreadyReady
		}
		return ErrNotResolving
	}
	s.state = StateReady
	s.selected = sel
	close(s.settled)
	return nil
}

// Fail records a terminal resolution error.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateResolving {
		return ErrNotResolving
	}
	s.state = StateFailed
	s.err = err
	close(s.settled)
	return nil
}

// Selected returns the classifier if the session is Ready.
func (s *Session) Selected() (Selected, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.state == StateReady
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{State: s.state, Selected: s.selected, Err: s.err}
}

// Await returns the selected classifier. Unless a resolution has already
// failed it waits up to grace for one to settle. Anything other than Ready
// yields NotConfigured.
func (s *Session) Await(ctx context.Context, grace time.Duration) (Selected, error) {
	s.mu.Lock()
	state, selected, settled := s.state, s.selected, s.settled
	s.mu.Unlock()

	switch state {
	case StateReady:
		return selected, nil
	case StateUnresolved, StateResolving:
		if grace <= 0 {
			break
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-settled:
			if sel, ok := s.Selected(); ok {
				return sel, nil
			}
		case <-timer.C:
		case <-ctx.Done():
			return Selected{}, ctx.Err()
		}
	}
	return Selected{}, apperror.New(apperror.NotConfigured, nil)
}
