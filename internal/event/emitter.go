// Package event provides the broadcast and teardown primitives that channels
// use to report close, error and message notifications.
package event

import (
	"sync"
	"sync/atomic"
)

// Disposable is anything holding a resource that can be released once.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a plain function into a Disposable. The function is
// run at most once.
func DisposableFunc(f func()) Disposable {
	return &funcDisposable{f: f}
}

type funcDisposable struct {
	once sync.Once
	f    func()
}

func (d *funcDisposable) Dispose() { d.once.Do(d.f) }

var noopDisposable = DisposableFunc(func() {})

type listener[T any] struct {
	fn func(T)
}

// Emitter broadcasts values of type T to every subscribed listener.
type Emitter[T any] struct {
	listenersM sync.Mutex
	listeners  []*listener[T]

	disposed uint32
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Event subscribes fn. Disposing the returned value removes only this
// subscription. Subscribing to a disposed emitter does nothing.
func (e *Emitter[T]) Event(fn func(T)) Disposable {
	if fn == nil || e.IsDisposed() {
		return noopDisposable
	}
	l := &listener[T]{fn: fn}
	e.listenersM.Lock()
	if e.IsDisposed() {
		e.listenersM.Unlock()
		return noopDisposable
	}
	e.listeners = append(e.listeners, l)
	e.listenersM.Unlock()
	return DisposableFunc(func() { e.remove(l) })
}

func (e *Emitter[T]) remove(l *listener[T]) {
	e.listenersM.Lock()
	defer e.listenersM.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Fire calls every listener subscribed at the time of the call, in
// subscription order. Listeners run on the caller's goroutine and may
// subscribe or unsubscribe freely.
func (e *Emitter[T]) Fire(v T) {
	if e.IsDisposed() {
		return
	}
	e.listenersM.Lock()
	snapshot := e.listeners
	e.listenersM.Unlock()
	for _, l := range snapshot {
		l.fn(v)
	}
}

// HasListeners reports whether anyone is currently subscribed.
func (e *Emitter[T]) HasListeners() bool {
	e.listenersM.Lock()
	defer e.listenersM.Unlock()
	return len(e.listeners) > 0
}

func (e *Emitter[T]) Dispose() {
	if !atomic.CompareAndSwapUint32(&e.disposed, 0, 1) {
		return
	}
	e.listenersM.Lock()
	e.listeners = nil
	e.listenersM.Unlock()
}

func (e *Emitter[T]) IsDisposed() bool {
	return atomic.LoadUint32(&e.disposed) == 1
}
