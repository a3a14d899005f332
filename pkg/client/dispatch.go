package client

import "sync"

// dispatcher runs callbacks one at a time in the order they were queued.
// The queue is unbounded so the read loop never blocks on a slow callback.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-d.done:
				return
			default:
			}
			fn()
		}

		select {
		case <-d.wake:
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}
