package systems

import "sync"

// LoadingSet tracks the texture sources currently being produced. The first
// caller to claim a key does the work, everybody else waits for it.
type LoadingSet struct {
	mu   sync.Mutex
	cond *sync.Cond
	seq  uint64
	// ids maps a claimed key to the sequence number of its claim.
	ids map[string]uint64
	// failed keeps the last failed claim of a key until the key is claimed again.
	failed map[string]failedClaim
}

type failedClaim struct {
	seq uint64
	err error
}

func NewLoadingSet() *LoadingSet {
	s := &LoadingSet{
		ids:    make(map[string]uint64),
		failed: make(map[string]failedClaim),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Begin claims id and returns true, or returns false once done reports that the
// work was completed by someone else. While another caller holds id, Begin blocks.
// done is evaluated before claiming and again after every release. When the claim
// it waited on ends with Fail, Begin returns false and that error.
func (s *LoadingSet) Begin(id string, done func() bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waitedOn uint64
	for {
		if done != nil && done() {
			return false, nil
		}
		if f, ok := s.failed[id]; ok && waitedOn != 0 && f.seq == waitedOn {
			return false, f.err
		}
		seq, busy := s.ids[id]
		if !busy {
			s.claimLocked(id)
			return true, nil
		}
		waitedOn = seq
		s.cond.Wait()
	}
}

// TryBegin claims id without waiting.
func (s *LoadingSet) TryBegin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[id]; busy {
		return false
	}
	s.claimLocked(id)
	return true
}

func (s *LoadingSet) claimLocked(id string) {
	s.seq++
	s.ids[id] = s.seq
	// a new claim retries the work, older failures no longer apply
	delete(s.failed, id)
}

// End releases id and wakes every waiter.
func (s *LoadingSet) End(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Fail releases id and hands err to the callers blocked on this claim. Later
// callers claim id again.
func (s *LoadingSet) Fail(id string, err error) {
	s.mu.Lock()
	if seq, ok := s.ids[id]; ok {
		s.failed[id] = failedClaim{seq: seq, err: err}
		delete(s.ids, id)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *LoadingSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *LoadingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
