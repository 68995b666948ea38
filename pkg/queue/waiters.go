package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfleet/shepherd/pkg/types"
)

// waitResult carries either the reply message or a terminal error to a
// waiter blocked in WaitForReply.
type waitResult struct {
	reply *types.Message
	err   error
}

// waiters is the registry of callers blocked on a correlated reply.
// Keyed by the request's message id (the value an agent echoes back in
// reply_to). Each request has at most one waiter; a reply is consumable
// exactly once.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan waitResult
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan waitResult)}
}

// register returns the channel for messageID, creating it if absent, so
// ExpectReply and WaitForReply share one registration.
func (w *waiters) register(messageID string) chan waitResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.m[messageID]; ok {
		return ch
	}
	ch := make(chan waitResult, 1)
	w.m[messageID] = ch
	return ch
}

func (w *waiters) lookup(messageID string) (chan waitResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.m[messageID]
	return ch, ok
}

func (w *waiters) remove(messageID string) {
	w.mu.Lock()
	delete(w.m, messageID)
	w.mu.Unlock()
}

// resolve and fail deliver into the registration's buffered channel but
// leave the registration in place: the result must survive until the
// waiter collects it, even when it arrives between ExpectReply and
// WaitForReply. The waiter removes the registration when it is done.

func (w *waiters) resolve(messageID string, reply *types.Message) bool {
	ch, ok := w.lookup(messageID)
	if !ok {
		return false
	}
	select {
	case ch <- waitResult{reply: reply}:
		return true
	default:
		return false
	}
}

func (w *waiters) fail(messageID string, err error) bool {
	ch, ok := w.lookup(messageID)
	if !ok {
		return false
	}
	select {
	case ch <- waitResult{err: err}:
		return true
	default:
		return false
	}
}

// ExpectReply registers interest in the reply to messageID. Callers that
// generate the message id themselves should call this before enqueueing
// the request so a fast reply cannot slip past the waiter.
func (q *Queue) ExpectReply(messageID string) {
	q.waiters.register(messageID)
}

// WaitForReply blocks until an inbound message with reply_to equal to
// messageID is consumed, the request reaches a terminal failure, or ctx
// expires. Pair with ExpectReply when the request is enqueued before
// this call.
func (q *Queue) WaitForReply(ctx context.Context, messageID string) (*types.Message, error) {
	ch := q.waiters.register(messageID)
	defer q.waiters.remove(messageID)

	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for reply to %s: %w", messageID, ctx.Err())
	}
}

// ResolveReply hands an inbound reply to the waiter registered for its
// reply_to message, if any. Returns true when a waiter consumed it.
// Called by the dispatcher while draining inbound messages.
func (q *Queue) ResolveReply(reply *types.Message) bool {
	if reply.ReplyTo == "" {
		return false
	}
	return q.waiters.resolve(reply.ReplyTo, reply)
}
