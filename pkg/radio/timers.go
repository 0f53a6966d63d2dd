package radio

import (
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed wait before reopening a lost link
const DefaultReconnectDelay = 5 * time.Second

// Reconnector schedules a single pending reconnect attempt. Stop marks the link as
// deliberately closed, which suppresses every later Schedule until Arm.
type Reconnector struct {
	mu         sync.Mutex
	delay      time.Duration
	deliberate bool
	timer      *time.Timer
	fn         func()
}

// NewReconnector returns a reconnector that runs fn delay after each Schedule
func NewReconnector(delay time.Duration, fn func()) *Reconnector {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Reconnector{delay: delay, fn: fn}
}

// SetDelay changes the wait used by later Schedule calls
func (r *Reconnector) SetDelay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

// Arm clears the deliberate flag; call from Connect
func (r *Reconnector) Arm() {
	r.mu.Lock()
	r.deliberate = false
	r.mu.Unlock()
}

// Stop sets the deliberate flag and cancels a pending attempt
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliberate = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Deliberate reports whether the link was closed on purpose
func (r *Reconnector) Deliberate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliberate
}

// Pending reports whether an attempt is scheduled
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Schedule arranges one reconnect attempt. It returns false when the link was
// closed deliberately or an attempt is already pending.
func (r *Reconnector) Schedule() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliberate || r.timer != nil {
		return false
	}

	var t *time.Timer
	t = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		if r.timer != t || r.deliberate {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		r.fn()
	})
	r.timer = t
	return true
}

// Poller calls fn on a fixed interval until stopped
type Poller struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// StartPoller runs fn every interval. When immediate is set fn also runs once
// right away on the poller goroutine.
func StartPoller(interval time.Duration, immediate bool, fn func()) *Poller {
	p := &Poller{stop: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if immediate {
			fn()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return p
}

// Stop halts the poller; safe on nil and safe to call twice. It does not wait
// for an fn call in progress, so it may be called from fn itself.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.stop) })
}

// Wait blocks until the poller goroutine exits
func (p *Poller) Wait() {
	if p != nil {
		p.wg.Wait()
	}
}
