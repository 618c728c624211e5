// Package network implements a minimal ENet-style host/peer transport over
// UDP. A host owns a fixed-capacity peer table, exchanges one-byte control
// messages (hello, hello-ack, payload, disconnect) and delivers payloads on
// a single implicit channel.
//
// Delivery is best effort: the reliable packet flag is advisory and the
// transport performs no retransmission, ordering or deduplication.
package network

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stack is the owning context for every host created by a process. It
// counts live hosts; the last Destroy tears the stack down and a later
// CreateHost brings it back up.
type Stack struct {
	mu     sync.Mutex
	refs   int
	inits  int
	logger zerolog.Logger
}

// NewStack creates an idle stack.
func NewStack() *Stack {
	return &Stack{
		logger: log.With().Str("component", "net_stack").Logger(),
	}
}

func (s *Stack) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		s.inits++
		s.logger.Debug().Int("generation", s.inits).Msg("network stack initialized")
	}
	s.refs++
}

func (s *Stack) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs == 0 {
		s.logger.Debug().Int("generation", s.inits).Msg("network stack torn down")
	}
}

// Refs returns the number of live hosts.
func (s *Stack) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Active reports whether at least one host is alive.
func (s *Stack) Active() bool {
	return s.Refs() > 0
}
