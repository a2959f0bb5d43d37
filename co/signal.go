// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import "sync"

// Waiter is returned by Signal.NewWaiter. Its channel closes the next time
// Broadcast is called.
type Waiter struct {
	c <-chan struct{}
}

// C returns the channel that closes on the next Broadcast.
func (w Waiter) C() <-chan struct{} {
	return w.c
}

// Signal is an edge-triggered broadcast: Broadcast wakes every waiter
// registered since the previous Broadcast, then resets. A waiter created
// after Broadcast has already fired waits for the *next* call, it does not
// observe the past one.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewWaiter registers a new waiter for the next Broadcast.
func (s *Signal) NewWaiter() Waiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return Waiter{c: s.ch}
}

// Broadcast wakes every waiter registered since the last Broadcast.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}
