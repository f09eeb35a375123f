package harness

import "sync/atomic"

// Signal is a one-shot flag: it goes from unset to set once and never back.
// One task sets it; any number of tasks poll it without blocking.
type Signal struct {
	set atomic.Bool
}

// Set raises the signal. It returns true only for the call that raised it.
func (s *Signal) Set() bool {
	return s.set.CompareAndSwap(false, true)
}

func (s *Signal) IsSet() bool {
	return s.set.Load()
}
