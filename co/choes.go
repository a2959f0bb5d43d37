// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import "sync"

// Choes ("cooperative goes") manages a group of goroutines that each accept a
// stop channel and are expected to return promptly once it's closed. Used by
// the GC reaper and the transport mesh's reconnect loop, where Stop must be
// callable repeatedly and from any goroutine.
type Choes struct {
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewChoes creates an empty Choes ready to accept goroutines.
func NewChoes() *Choes {
	return &Choes{
		stopChan: make(chan struct{}),
	}
}

// Go starts f in a new goroutine, passing it the group's stop channel.
func (c *Choes) Go(f func(stopChan chan struct{})) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f(c.stopChan)
	}()
}

// Stop closes the stop channel, signalling every running goroutine to
// return. Safe to call more than once and from any goroutine.
func (c *Choes) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// Wait blocks until every goroutine started with Go has returned.
func (c *Choes) Wait() {
	c.wg.Wait()
}
