package tunnel

import (
	"context"
	"sync"

	"github.com/jnmeurisse/fortirdp-go/internal/forwarder"
)

// handle identifies one slot in a forwarderSet. A handle from a reaped
// slot is detectably stale (its generation no longer matches), rather
// than silently resolving to whatever forwarder was registered next in
// that slot — the "indices + arena" shape spec §9 asks for.
type handle struct {
	index      int
	generation uint64
}

type slot struct {
	generation uint64
	fwd        *forwarder.Forwarder // nil when the slot is free
}

// forwarderSet is the tunnel's arena of active port forwarders, bounded
// by maxClients (tunnelcfg.Options.MaxClients).
type forwarderSet struct {
	mu         sync.Mutex
	cond       *sync.Cond
	slots      []slot
	freeList   []int
	maxClients int
	active     int
}

func newForwarderSet(maxClients int) *forwarderSet {
	s := &forwarderSet{maxClients: maxClients}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until a client slot is available, reserving it before
// returning, or until ctx is done. acceptLoop calls it before
// listener.Accept(), so while the set is saturated the listener is
// simply never accepted from and the pending connection sits in the
// kernel's accept backlog rather than being accepted and then closed.
func (s *forwarderSet) acquire(ctx context.Context) bool {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active >= s.maxClients {
		if ctx.Err() != nil {
			return false
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return false
	}
	s.active++
	return true
}

// releaseSlot frees a slot reserved by acquire that never reached
// register, e.g. when Accept itself failed after a slot was reserved.
func (s *forwarderSet) releaseSlot() {
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// register stores fwd in a free slot (or a freshly appended one) and
// returns its handle.
func (s *forwarderSet) register(fwd *forwarder.Forwarder) handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.freeList); n > 0 {
		idx := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.slots[idx].fwd = fwd
		return handle{index: idx, generation: s.slots[idx].generation}
	}

	idx := len(s.slots)
	s.slots = append(s.slots, slot{generation: 1, fwd: fwd})
	return handle{index: idx, generation: 1}
}

// release frees h's slot and bumps its generation, and returns the
// acquired capacity to the pool. Releasing a stale handle is a no-op.
func (s *forwarderSet) release(h handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.index < 0 || h.index >= len(s.slots) {
		return
	}
	sl := &s.slots[h.index]
	if sl.generation != h.generation || sl.fwd == nil {
		return
	}

	sl.fwd = nil
	sl.generation++
	s.freeList = append(s.freeList, h.index)
	if s.active > 0 {
		s.active--
	}
	s.cond.Broadcast()
}

// abortAll aborts every forwarder currently registered and returns how
// many were aborted, so the caller can decide whether to wait out
// abortGrace for their RSTs to reach the wire (original: abort_all()
// returning a count gates the CLOSING-state sys_timeout arm).
func (s *forwarderSet) abortAll() int {
	s.mu.Lock()
	fwds := make([]*forwarder.Forwarder, 0, s.active)
	for _, sl := range s.slots {
		if sl.fwd != nil {
			fwds = append(fwds, sl.fwd)
		}
	}
	s.mu.Unlock()

	for _, fwd := range fwds {
		fwd.Abort()
	}
	return len(fwds)
}

// count returns the number of client slots currently reserved, whether or
// not a forwarder has been registered in them yet.
func (s *forwarderSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
