package mlc

import "sync"

// InstallProgress is the byte progress of an active copy.
type InstallProgress struct {
	BytesWritten uint64
	TotalBytes   uint64
}

// Fraction returns BytesWritten/TotalBytes in [0, 1].
func (p InstallProgress) Fraction() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	f := float64(p.BytesWritten) / float64(p.TotalBytes)
	if f > 1 {
		return 1
	}
	return f
}

// Update is one value delivered to a subscriber. Valid is false when the
// publisher was cleared, meaning there is no progress to show.
type Update[T any] struct {
	Value T
	Valid bool
}

// Publisher holds the latest progress value of one operation. It has a single
// writer (the running operation) and any number of readers.
type Publisher[T any] struct {
	mu     sync.Mutex
	cur    Update[T]
	subs   map[int]chan Update[T]
	nextID int
}

// NewPublisher returns a cleared Publisher.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subs: make(map[int]chan Update[T])}
}

// Publish records v as the current value and notifies subscribers.
func (p *Publisher[T]) Publish(v T) {
	p.set(Update[T]{Value: v, Valid: true})
}

// Clear drops the current value and notifies subscribers.
func (p *Publisher[T]) Clear() {
	p.set(Update[T]{})
}

// Load returns the current value. ok is false when nothing is published.
func (p *Publisher[T]) Load() (v T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.Value, p.cur.Valid
}

// Subscribe returns a channel receiving every update from now on, starting
// with the current one. A subscriber that falls behind by more than buffer
// updates loses the oldest ones, never the newest. cancel closes the channel.
func (p *Publisher[T]) Subscribe(buffer int) (updates <-chan Update[T], cancel func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update[T], buffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	offer(ch, p.cur)
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher[T]) set(u Update[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = u
	for _, ch := range p.subs {
		offer(ch, u)
	}
}

// offer sends u without blocking, evicting the oldest queued update if needed.
// Callers hold p.mu, so there is exactly one sender per channel at a time.
func offer[T any](ch chan Update[T], u Update[T]) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
