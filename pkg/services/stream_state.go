package services

import (
	"sync/atomic"

	"github.com/cloudcare/alert-desk/pkg/emergency"
)

// streamState tracks whether the stream is connected and forwards every
// callback to an optional inner observer, usually the metrics.
type streamState struct {
	connected atomic.Bool
	inner     emergency.StreamObserver
}

func newStreamState(inner emergency.StreamObserver) *streamState {
	return &streamState{inner: inner}
}

func (s *streamState) IsConnected() bool {
	return s.connected.Load()
}

func (s *streamState) Connected() {
	s.connected.Store(true)
	if s.inner != nil {
		s.inner.Connected()
	}
}

func (s *streamState) Event(name string) {
	if s.inner != nil {
		s.inner.Event(name)
	}
}

func (s *streamState) ParseFailed() {
	if s.inner != nil {
		s.inner.ParseFailed()
	}
}

func (s *streamState) Disconnected(err error) {
	s.connected.Store(false)
	if s.inner != nil {
		s.inner.Disconnected(err)
	}
}
