package loop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven explicitly by tests: posted callbacks run on
// RunPending/Step and timers fire on Advance, all on the caller's goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	queue  []func()
	timers []*manualTimer
	notify chan struct{}
}

type manualTimer struct {
	owner   *Manual
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewManual() *Manual {
	return &Manual{notify: make(chan struct{}, 1)}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	timer := &manualTimer{owner: m, at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, timer)
	return timer
}

// Call runs fn immediately, mirroring Loop.Call for code under test.
func (m *Manual) Call(_ context.Context, fn func() error) error {
	err := fn()
	m.RunPending()
	return err
}

// Now reports the virtual time elapsed since creation.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunPending drains posted callbacks, including ones posted while draining.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		ran++
	}
}

// Step waits up to timeout for at least one posted callback, then drains the queue.
func (m *Manual) Step(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.RunPending() > 0 {
			return true
		}
		select {
		case <-m.notify:
		case <-deadline:
			return m.RunPending() > 0
		}
	}
}

// Advance moves virtual time forward, firing due timers in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.RunPending()
		timer := m.nextDue(target)
		if timer == nil {
			break
		}
		timer.fn()
	}
	m.RunPending()

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, timer := range m.timers {
		if !timer.stopped && !timer.fired {
			live = append(live, timer)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at == m.timers[j].at {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at < m.timers[j].at
	})
	if len(m.timers) == 0 || m.timers[0].at > target {
		return nil
	}
	timer := m.timers[0]
	timer.fired = true
	if timer.at > m.now {
		m.now = timer.at
	}
	return timer
}
