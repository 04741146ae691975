package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const persistBacklogWarn = 128

type job struct {
	name   string
	latest bool
	fn     func(ctx context.Context) error
}

// persister runs collaborator writes off the loop, one at a time and in the
// order they were queued. Queueing never blocks the caller.
type persister struct {
	mu     sync.Mutex
	queue  []job
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	timeout time.Duration
	logger  logrus.FieldLogger
	once    sync.Once
}

func newPersister(logger logrus.FieldLogger, timeout time.Duration) *persister {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &persister{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.stopped)
	for {
		if j, ok := p.next(); ok {
			p.exec(j)
			continue
		}
		select {
		case <-p.wake:
		case <-p.done:
			for {
				j, ok := p.next()
				if !ok {
					return
				}
				p.exec(j)
			}
		}
	}
}

func (p *persister) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return job{}, false
	}
	j := p.queue[0]
	p.queue[0] = job{}
	p.queue = p.queue[1:]
	return j, true
}

func (p *persister) exec(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		p.logger.WithError(err).WithField("job", j.name).Warn("workspace: persistence failed")
	}
}

// enqueue queues a write. The job is dropped once the persister is closed.
func (p *persister) enqueue(name string, fn func(ctx context.Context) error) {
	p.push(job{name: name, fn: fn})
}

// enqueueLatest queues a snapshot write. A queued write of the same name that
// has not started yet is replaced in place.
func (p *persister) enqueueLatest(name string, fn func(ctx context.Context) error) {
	p.push(job{name: name, latest: true, fn: fn})
}

func (p *persister) push(j job) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.WithField("job", j.name).Debug("workspace: persister closed, dropping job")
		return
	}
	replaced := false
	if j.latest {
		for i := range p.queue {
			if p.queue[i].latest && p.queue[i].name == j.name {
				p.queue[i] = j
				replaced = true
				break
			}
		}
	}
	if !replaced {
		p.queue = append(p.queue, j)
	}
	backlog := len(p.queue)
	p.mu.Unlock()

	if !replaced && backlog == persistBacklogWarn {
		p.logger.WithField("backlog", backlog).Warn("workspace: persistence is falling behind")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// flush waits until every job queued before it has run.
func (p *persister) flush(ctx context.Context) error {
	drained := make(chan struct{})
	p.enqueue("flush", func(context.Context) error {
		close(drained)
		return nil
	})
	select {
	case <-drained:
		return nil
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close runs the remaining jobs and stops the worker.
func (p *persister) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	<-p.stopped
}
