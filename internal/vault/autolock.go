package vault

import (
	"sync"
	"time"
)

// autoLocker fires onExpire after timeout without a Touch. A timeout of zero
// or less leaves it disarmed.
type autoLocker struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	onExpire func()
	stopped  bool

	// gen counts arms. A fire from an older arm already waiting on mu when
	// the timer was reset sees a newer gen and does nothing.
	gen uint64
}

// newAutoLocker returns a disarmed locker; the first Touch starts it.
func newAutoLocker(timeout time.Duration, onExpire func()) *autoLocker {
	return &autoLocker{timeout: timeout, onExpire: onExpire}
}

// arm restarts the countdown. Callers hold mu or own a.
func (a *autoLocker) arm() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.stopped || a.timeout <= 0 {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.timeout, func() { a.fire(gen) })
}

func (a *autoLocker) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.timer = nil
	a.mu.Unlock()
	a.onExpire()
}

// Touch restarts the countdown on user activity.
func (a *autoLocker) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arm()
}

// SetTimeout changes the timeout and restarts the countdown.
func (a *autoLocker) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
	a.arm()
}

// Stop disarms the timer for good.
func (a *autoLocker) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
