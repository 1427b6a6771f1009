package sync

import (
	"context"
	"sync"
)

// Loop runs posted functions one at a time on the goroutine that called
// Run. State touched only from posted functions needs no locking.
type Loop struct {
	tasks chan func()

	done     chan struct{}
	doneOnce sync.Once
}

func NewLoop(buffer int) *Loop {
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run processes posted functions until ctx is cancelled. The optional
// shutdown function runs on the loop goroutine before Run returns.
func (l *Loop) Run(ctx context.Context, shutdown func()) {
	defer l.doneOnce.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			if shutdown != nil {
				shutdown()
			}

			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for execution. It reports false once the loop has stopped.
// It must not be called from the loop goroutine while the queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and waits until it has run. It reports false if the loop
// stopped before fn could run.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})

	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Go runs task on its own goroutine and posts the continuation it returns
// back to the loop. A nil continuation is dropped.
func (l *Loop) Go(task func() func()) {
	go func() {
		if next := task(); next != nil {
			l.Post(next)
		}
	}()
}
