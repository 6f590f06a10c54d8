// Package ratelimit paces transmission to a packets-per-second rate.
package ratelimit

import "time"

// Throttle limits a single sender to pps packets per second on average.
// A nil *Throttle never blocks.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	sent        uint64
	nextCheck   uint64
	checkEvery  uint64
	start       time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and New returns nil.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	// Check the clock about every 10ms worth of packets,
	// at least every 32 and at most every 1024 packets.
	checkEvery := min(max(pps/100, 32), 1024)
	return &Throttle{
		nsPerPacket: max(int64(time.Second)/int64(pps), 1),
		checkEvery:  checkEvery,
		nextCheck:   checkEvery,
		start:       time.Now(),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Split divides a total rate across n senders, rounding up so that the
// aggregate is never below total. It returns 0 if total is 0.
func Split(total uint64, n int) uint64 {
	if total == 0 || n < 1 {
		return total
	}
	return (total + uint64(n) - 1) / uint64(n)
}

// ThrottleN accounts for n sent packets and blocks until they are allowed.
// It does not allow bursts to catch up after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.sent += n
	if l.sent < l.nextCheck {
		return // Fast path: only check time periodically.
	}
	l.nextCheck = l.sent + l.checkEvery

	expected := l.start.Add(time.Duration(int64(l.sent) * l.nsPerPacket))
	if now := l.now(); now.Before(expected) {
		l.sleep(expected.Sub(now))
	}
}

// Sent returns the number of packets accounted for so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}
