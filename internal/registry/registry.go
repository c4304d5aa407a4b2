// Package registry provides a lock-free name indexed registry used for the
// long-lived resources of the runtime (compiled modules, connection pools).
package registry

import "github.com/alphadose/haxmap"

type Registry[T any] interface {
	Get(name string) (T, bool)
	Add(name string, value T)
	GetOrAdd(name string, value func() T) (T, bool)
	Del(name string)
	Len() int
	// ForEach visits every entry until fn returns false.
	ForEach(fn func(name string, value T) bool)
	// Drain removes every entry and returns the removed values.
	Drain() []T
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Add(name string, value T) {
	r.values.Set(name, value)
}

func (r *registry[T]) GetOrAdd(name string, valueFn func() T) (T, bool) {
	return r.values.GetOrCompute(name, valueFn)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(name)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}

func (r *registry[T]) ForEach(fn func(name string, value T) bool) {
	r.values.ForEach(fn)
}

func (r *registry[T]) Drain() []T {
	var names []string
	r.values.ForEach(func(name string, _ T) bool {
		names = append(names, name)
		return true
	})
	drained := make([]T, 0, len(names))
	for _, name := range names {
		if v, ok := r.values.GetAndDel(name); ok {
			drained = append(drained, v)
		}
	}
	return drained
}
