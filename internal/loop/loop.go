// Package loop runs every state mutation of a workspace on a single goroutine.
//
// Components never touch shared state from timer or network goroutines; they
// Post a callback instead. A timer that has already fired but whose callback is
// still queued cannot be recalled by Stop, so consumers guard late callbacks
// with their own generation counters.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Call once the loop has been closed.
var ErrClosed = errors.New("loop closed")

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler is the host facility components use for deferred work.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
}

type Loop struct {
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
	logger    logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Loop {
	l := &Loop{
		queue:  make(chan func(), 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.queue:
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("loop: callback panicked")
		}
	}()
	fn()
}

// Post enqueues fn. Posting to a closed loop drops fn.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
	case l.queue <- fn:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Call runs fn on the loop and waits for it. It must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.WithField("panic", r).Error("loop: call panicked")
				result <- errors.New("internal error")
			}
		}()
		result <- fn()
	}
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.queue <- task:
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
