package feed

import (
	"slices"
	"sync"
)

// observers is a set of change callbacks keyed by registration id.
type observers struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func()
}

func (o *observers) add(fn func()) func() {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[uint64]func())
	}
	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

// notify calls every observer in registration order, outside the lock.
func (o *observers) notify() {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		o.mu.Lock()
		fn, ok := o.fns[id]
		o.mu.Unlock()
		if ok {
			fn()
		}
	}
}
