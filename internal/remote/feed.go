package remote

import "sync"

// Feed is an unbounded, ordered event buffer between a publisher that must
// never block and a single consumer channel. Events published before anyone
// reads are held until the consumer catches up.
type Feed struct {
	mu      sync.Mutex
	pending []ChangeEvent
	signal  chan struct{}
	out     chan ChangeEvent
	done    chan struct{}
	once    sync.Once
}

func NewFeed() *Feed {
	f := &Feed{
		signal: make(chan struct{}, 1),
		out:    make(chan ChangeEvent),
		done:   make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *Feed) Events() <-chan ChangeEvent {
	return f.out
}

// Done is closed once the feed has been closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) Publish(ev ChangeEvent) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.pending = append(f.pending, ev)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()

		for _, ev := range batch {
			select {
			case f.out <- ev:
			case <-f.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-f.signal:
		case <-f.done:
			return
		}
	}
}
