package helpers

// Flag is a coalescing one-slot signal.
// Any number of Set() before the waiter wakes up result in single wake up.
type Flag chan struct{}

func NewFlag() Flag { return make(chan struct{}, 1) }

func (f Flag) Set() {
	select {
	case f <- struct{}{}:
	default:
	}
}

// IsSet reports pending signal without consuming it.
func (f Flag) IsSet() bool { return len(f) > 0 }

// Clear consumes pending signal, returns true if it was set.
func (f Flag) Clear() bool {
	select {
	case <-f:
		return true
	default:
		return false
	}
}

// C returns channel for select. Receiving clears the flag.
func (f Flag) C() <-chan struct{} { return f }
