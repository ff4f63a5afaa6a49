// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package dispatch

// Strategy picks the worker that should receive the next render request.
// Implementations receive the current pool snapshot and return nil when
// no worker is suitable.
type Strategy interface {
	Select(workers []*Worker) *Worker
}

// LeastPending is the default strategy: greedy least-loaded by overflow
// queue length, ties broken by pool order (first found wins). It is not a
// globally optimal scheduler, just a cheap balance heuristic.
type LeastPending struct{}

// Select implements Strategy.
func (LeastPending) Select(workers []*Worker) *Worker {
	var chosen *Worker
	min := int(^uint(0) >> 1)
	for _, w := range workers {
		if n := w.PendingCount(); n < min {
			min = n
			chosen = w
		}
	}
	return chosen
}
