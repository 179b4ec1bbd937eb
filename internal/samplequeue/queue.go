// Package samplequeue is the hand-off point between the collector
// goroutine, which produces PLL-corrected samples as fast as the device
// delivers them, and the resampler, which consumes them at whatever pace
// the downstream framework pulls output frames.
//
// It's a head-insertion singly-linked list guarded by a mutex and a
// condition variable, the same shape as the original implementation's
// GList-based queue. The collector only ever prepends under the lock;
// a consumer that has taken a snapshot of the head can walk and even
// truncate the tail of the list without holding the lock at all, because
// the collector never revisits nodes behind the head it is currently
// writing.
package samplequeue

import "sync"

// Sample is one PLL-corrected, queued reading.
type Sample struct {
	// T is the reconstructed instant, nanoseconds since the collector's
	// reference clock epoch.
	T int64
	// Dt is the PLL's period estimate at the time this sample was
	// pushed.
	Dt int64
	// Scl and Ppg are the two physiological channels, scaled into
	// [0, 1).
	Scl float64
	Ppg float64
}

// Node is one link in the queue. Consumers that have obtained a head
// pointer from WaitForLookahead may read Sample and follow Next freely
// without synchronization, and may set Next = nil to truncate the list
// at that point — the collector will never observe or revisit a node
// behind the one it is currently prepending to.
type Node struct {
	Sample Sample
	Next   *Node
}

// Status mirrors the collector's terminal state onto the queue so a
// blocked consumer can be woken without a sample to hand it.
type Status int

const (
	StatusOK Status = iota
	StatusEOS
	StatusError
)

// Queue is the shared structure. The zero value is not usable; use New.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	head   *Node
	status Status
}

// New returns an empty queue in StatusOK.
func New() *Queue {
	q := &Queue{status: StatusOK}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push prepends sample to the queue and wakes any consumer blocked in
// WaitForLookahead. Called only from the collector goroutine.
func (q *Queue) Push(sample Sample) {
	q.mu.Lock()
	q.head = &Node{Sample: sample, Next: q.head}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// SetStatus records the collector's terminal status and wakes any
// blocked consumer so it can observe it. Once set away from StatusOK it
// is never expected to move back.
func (q *Queue) SetStatus(s Status) {
	q.mu.Lock()
	q.status = s
	q.mu.Unlock()
	q.cond.Broadcast()
}

// WaitForLookahead blocks until either the queue is no longer in
// StatusOK, or its lookahead at tTarget reaches required samples, then
// returns the current head (safe for the caller to walk without the
// lock) along with the status observed at wake time.
func (q *Queue) WaitForLookahead(tTarget, required int64) (*Node, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.status == StatusOK && LookAhead(q.head, tTarget) < required {
		q.cond.Wait()
	}
	return q.head, q.status
}

// LookAhead reports how many sample periods separate head from tTarget:
// round((head.T - tTarget) / head.Dt), or -1 if head is nil. A consumer
// needs this to reach at least wdconst.KernelLength/2 before the right
// half of the interpolation kernel has enough future samples to
// complete.
func LookAhead(head *Node, tTarget int64) int64 {
	if head == nil {
		return -1
	}
	return roundDiv(head.Sample.T-tTarget, head.Sample.Dt)
}

// roundDiv rounds num/den to the nearest integer, matching the C round()
// semantics the original lookahead calculation used (round half away
// from zero).
func roundDiv(num, den int64) int64 {
	neg := (num < 0) != (den < 0)
	if num < 0 {
		num = -num
	}
	if den < 0 {
		den = -den
	}
	q := (2*num + den) / (2 * den)
	if neg {
		return -q
	}
	return q
}
