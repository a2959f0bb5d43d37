// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package co holds small goroutine-lifecycle helpers shared by the
// consensus core, the GC reaper, and the QUIC mesh transport.
package co

import "sync"

// Goes manages a group of goroutines, similar to sync.WaitGroup but with a
// Done channel that can be selected on.
type Goes struct {
	wg       sync.WaitGroup
	initOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

func (g *Goes) init() {
	g.initOnce.Do(func() {
		g.done = make(chan struct{})
	})
}

// Go starts f in a new goroutine tracked by the group.
func (g *Goes) Go(f func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		f()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Goes) Wait() {
	g.wg.Wait()
	g.init()
	g.doneOnce.Do(func() {
		close(g.done)
	})
}

// Done returns a channel that's closed once Wait has observed every
// goroutine finishing.
func (g *Goes) Done() <-chan struct{} {
	g.init()
	return g.done
}
