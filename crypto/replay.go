package crypto

// ReplayWindowWidth is the number of sequence numbers below the highest
// accepted one for which out-of-order delivery is still tolerated.
const ReplayWindowWidth = 64

// ReplayWindow implements a sliding bitmap window over frame sequence
// numbers. Sequences at or below the highest accepted one are rejected
// as replays unless they fall inside the window and have not been seen
// before. The zero value is ready for use; a window tracks one
// direction of one session within one key epoch.
type ReplayWindow struct {
	highest uint64
	// Bit i set means sequence (highest - i) was accepted.
	bitmap uint64
	primed bool
}

// Check reports whether a sequence number would be accepted, without
// mutating the window.
func (w *ReplayWindow) Check(sequence uint64) bool {
	if !w.primed {
		return true
	}
	if sequence > w.highest {
		return true
	}
	offset := w.highest - sequence
	if offset >= ReplayWindowWidth {
		return false
	}
	return w.bitmap&(1<<offset) == 0
}

// CheckAndUpdate accepts a sequence number into the window, returning
// false if it is a replay or too old. A rejected sequence leaves the
// window state untouched.
func (w *ReplayWindow) CheckAndUpdate(sequence uint64) bool {
	if !w.Check(sequence) {
		return false
	}
	if !w.primed {
		w.primed = true
		w.highest = sequence
		w.bitmap = 1
		return true
	}
	if sequence > w.highest {
		shift := sequence - w.highest
		if shift >= ReplayWindowWidth {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = sequence
		return true
	}
	w.bitmap |= 1 << (w.highest - sequence)
	return true
}

// Reset clears the window, for use when a session advances to a new key
// epoch and replay accounting starts over under the new key.
func (w *ReplayWindow) Reset() {
	w.highest = 0
	w.bitmap = 0
	w.primed = false
}
