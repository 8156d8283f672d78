package forwarder

import (
	"sync"

	"github.com/jnmeurisse/fortirdp-go/internal/queue"
)

// flowQueue adds blocking backpressure around internal/queue.Queue, which
// is deliberately not safe for concurrent use on its own. Push blocks until
// the chunk fits; Pop blocks while the queue is empty. Abort wakes both;
// CloseForWrite wakes Pop.
type flowQueue struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	q         *queue.Queue
	writeDone bool // producer finished (graceful EOF)
	aborted   bool // consumer/producer asked for immediate teardown
}

func newFlowQueue(capacity int) *flowQueue {
	fq := &flowQueue{q: queue.New(capacity)}
	fq.notEmpty = sync.NewCond(&fq.mu)
	fq.notFull = sync.NewCond(&fq.mu)
	return fq
}

// Push appends chunk, blocking until the queue has room for it. It returns
// false if the queue was aborted, or if chunk is larger than the whole
// queue capacity.
func (fq *flowQueue) Push(chunk []byte) bool {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	for !fq.aborted && !fq.q.IsEmpty() && fq.q.RemainingSpace() < len(chunk) {
		fq.notFull.Wait()
	}
	if fq.aborted {
		return false
	}

	ok := fq.q.Push(chunk)
	if ok {
		fq.notEmpty.Signal()
	}
	return ok
}

// Pop removes and returns the head chunk, blocking while the queue is
// empty. It returns ok=false once the queue is drained and closed.
func (fq *flowQueue) Pop() ([]byte, bool) {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	for !fq.aborted && fq.q.IsEmpty() && !fq.writeDone {
		fq.notEmpty.Wait()
	}
	if fq.aborted || fq.q.IsEmpty() {
		return nil, false
	}

	chunk := fq.q.Pop()
	fq.notFull.Signal()
	return chunk, true
}

// CloseForWrite signals that no more chunks will be pushed; pending data
// still drains normally via Pop.
func (fq *flowQueue) CloseForWrite() {
	fq.mu.Lock()
	fq.writeDone = true
	fq.mu.Unlock()
	fq.notEmpty.Broadcast()
}

// Abort discards queued data and wakes any blocked Push/Pop immediately.
func (fq *flowQueue) Abort() {
	fq.mu.Lock()
	fq.aborted = true
	fq.q.Clear()
	fq.mu.Unlock()
	fq.notEmpty.Broadcast()
	fq.notFull.Broadcast()
}
