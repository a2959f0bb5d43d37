// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import "runtime"

// Parallel runs fn, which is expected to push work items onto the queue it's
// given, fanning each item out to a worker pool sized to GOMAXPROCS. The
// returned channel is closed once every pushed item has completed. Used by
// the Byzantine detector's post-hoc MinorityVote sweep to bound the fan-out
// of violation filings.
func Parallel(fn func(queue chan<- func())) <-chan struct{} {
	done := make(chan struct{})
	queue := make(chan func())

	nWorkers := runtime.GOMAXPROCS(0)
	if nWorkers < 1 {
		nWorkers = 1
	}

	var workersWG Goes
	for i := 0; i < nWorkers; i++ {
		workersWG.Go(func() {
			for f := range queue {
				f()
			}
		})
	}

	go func() {
		fn(queue)
		close(queue)
		workersWG.Wait()
		close(done)
	}()

	return done
}
