package session

import (
	"github.com/flowpbx/negotiator/internal/mediastate"
)

// delayedRequest is a queued negotiation attempt. It snapshots the media
// states as they were at queue time so the eventual send can be merged
// against whatever is active when the blocking condition clears.
type delayedRequest struct {
	method  Method
	pending *mediastate.MediaState // requested state, may be nil
	active  *mediastate.MediaState // active state at queue time, may be nil
}

// requestQueue is the per-session FIFO of delayed requests. A BYE is
// inserted at the head: once hangup is requested, no renegotiation should
// go out ahead of it.
type requestQueue struct {
	reqs []*delayedRequest
}

func (q *requestQueue) push(r *delayedRequest) {
	if r.method == MethodBye {
		q.reqs = append([]*delayedRequest{r}, q.reqs...)
		return
	}
	q.reqs = append(q.reqs, r)
}

// pushFront reinserts a request at the head, preserving FIFO order when a
// dequeued request turns out to still be blocked.
func (q *requestQueue) pushFront(r *delayedRequest) {
	q.reqs = append([]*delayedRequest{r}, q.reqs...)
}

func (q *requestQueue) len() int {
	return len(q.reqs)
}

func (q *requestQueue) at(i int) *delayedRequest {
	if i < 0 || i >= len(q.reqs) {
		return nil
	}
	return q.reqs[i]
}

func (q *requestQueue) removeAt(i int) *delayedRequest {
	if i < 0 || i >= len(q.reqs) {
		return nil
	}
	r := q.reqs[i]
	q.reqs = append(q.reqs[:i], q.reqs[i+1:]...)
	return r
}

func (q *requestQueue) clear() {
	q.reqs = nil
}
