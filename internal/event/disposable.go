package event

import "sync"

// DisposableCollection is an ordered teardown list. Dispose releases every
// pushed item exactly once, most recently pushed first.
type DisposableCollection struct {
	m        sync.Mutex
	items    []Disposable
	disposed bool
}

func NewDisposableCollection(items ...Disposable) *DisposableCollection {
	c := &DisposableCollection{}
	for _, d := range items {
		c.Push(d)
	}
	return c
}

// Push adds d to the collection. If the collection has already been disposed,
// d is disposed immediately.
func (c *DisposableCollection) Push(d Disposable) Disposable {
	if d == nil {
		return noopDisposable
	}
	c.m.Lock()
	if c.disposed {
		c.m.Unlock()
		d.Dispose()
		return d
	}
	c.items = append(c.items, d)
	c.m.Unlock()
	return d
}

func (c *DisposableCollection) Dispose() {
	c.m.Lock()
	if c.disposed {
		c.m.Unlock()
		return
	}
	c.disposed = true
	items := c.items
	c.items = nil
	c.m.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}

func (c *DisposableCollection) IsDisposed() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.disposed
}
