package paxos

import "time"

// paxTimer delivers versioned callbacks so that a stale firing can be told
// apart from the current one after a Reset.
type paxTimer struct {
	version uint64
	funcGen func(uint64) func()
	t       *time.Timer
}

func newPaxTimer(ff func(uint64) func()) *paxTimer {
	return &paxTimer{0, ff, nil}
}

func (self *paxTimer) Reset(dur time.Duration) {
	if self.t == nil || !self.t.Reset(dur) {
		self.version += 1
		self.t = time.AfterFunc(dur, self.funcGen(self.version))
	}
}

// Match accepts the current version; version 0 forces a match (versions
// handed to callbacks start at 1).
func (self *paxTimer) Match(v uint64) bool {
	return v == 0 || self.version == v
}
