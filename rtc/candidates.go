/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue holds ICE candidates that arrived before the remote
// description they belong to. Candidates come back out in arrival order.
type CandidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Drain empties the queue and returns what it held.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reset discards every queued candidate.
func (q *CandidateQueue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
