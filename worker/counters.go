package worker

import "sync/atomic"

// counters are written only by the owning worker.
// They are atomic so that concurrent readers never observe torn values.
type counters struct {
	rxFrames atomic.Uint64
	rxBytes  atomic.Uint64
	txFrames atomic.Uint64
	txBytes  atomic.Uint64
	errors   atomic.Uint64
}

func (c *counters) snapshot() Snapshot {
	return Snapshot{
		RxFrames: c.rxFrames.Load(),
		RxBytes:  c.rxBytes.Load(),
		TxFrames: c.txFrames.Load(),
		TxBytes:  c.txBytes.Load(),
		Errors:   c.errors.Load(),
	}
}

// Snapshot is a point-in-time copy of a worker's counters.
// Fields are loaded one by one, so a snapshot taken while the worker runs
// may mix values from adjacent loop iterations.
type Snapshot struct {
	RxFrames uint64
	RxBytes  uint64
	TxFrames uint64
	TxBytes  uint64
	Errors   uint64
}

// Add returns the field-wise sum of s and o.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		RxFrames: s.RxFrames + o.RxFrames,
		RxBytes:  s.RxBytes + o.RxBytes,
		TxFrames: s.TxFrames + o.TxFrames,
		TxBytes:  s.TxBytes + o.TxBytes,
		Errors:   s.Errors + o.Errors,
	}
}

// Sub returns s - old.
func (s Snapshot) Sub(old Snapshot) Snapshot {
	return Snapshot{
		RxFrames: s.RxFrames - old.RxFrames,
		RxBytes:  s.RxBytes - old.RxBytes,
		TxFrames: s.TxFrames - old.TxFrames,
		TxBytes:  s.TxBytes - old.TxBytes,
		Errors:   s.Errors - old.Errors,
	}
}
