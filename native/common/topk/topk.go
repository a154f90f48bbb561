// Package topk keeps the best K entries seen so far in rank order.
package topk

import "sort"

// List is a fixed-capacity slice kept sorted ascending by less. The first entry
// ranks best. Inserting into a full list evicts the last entry only when the new
// entry ranks strictly better than it.
type List[T any] struct {
	capacity int
	less     func(a, b T) bool
	items    []T
}

// New returns an empty list. A non-positive capacity yields a list that admits nothing.
func New[T any](capacity int, less func(a, b T) bool) *List[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &List[T]{capacity: capacity, less: less, items: make([]T, 0, capacity)}
}

// From rebuilds a list from persisted entries. Entries are copied, sorted and
// truncated to capacity.
func From[T any](capacity int, less func(a, b T) bool, items []T) *List[T] {
	l := New(capacity, less)
	for _, item := range items {
		l.Insert(item)
	}
	return l
}

// Insert places item at its ranked position. admitted is false when the list is
// full and item does not beat the current worst entry; the list is then unchanged.
func (l *List[T]) Insert(item T) (evicted T, didEvict bool, admitted bool) {
	if l.capacity == 0 {
		return evicted, false, false
	}
	if len(l.items) == l.capacity {
		worst := l.items[len(l.items)-1]
		if !l.less(item, worst) {
			return evicted, false, false
		}
		evicted, didEvict = worst, true
		l.items = l.items[:len(l.items)-1]
	}
	idx := sort.Search(len(l.items), func(i int) bool { return l.less(item, l.items[i]) })
	var zero T
	l.items = append(l.items, zero)
	copy(l.items[idx+1:], l.items[idx:])
	l.items[idx] = item
	return evicted, didEvict, true
}

// IndexFunc returns the position of the first entry matching fn, or -1.
func (l *List[T]) IndexFunc(fn func(T) bool) int {
	for i, item := range l.items {
		if fn(item) {
			return i
		}
	}
	return -1
}

// RemoveAt drops the entry at idx and keeps the remaining order.
func (l *List[T]) RemoveAt(idx int) {
	if idx < 0 || idx >= len(l.items) {
		return
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)
}

// RemoveFunc drops every entry matching fn and reports how many were removed.
func (l *List[T]) RemoveFunc(fn func(T) bool) int {
	kept := l.items[:0]
	removed := 0
	for _, item := range l.items {
		if fn(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	var zero T
	for i := len(kept); i < len(l.items); i++ {
		l.items[i] = zero
	}
	l.items = kept
	return removed
}

// At returns the entry at idx. It panics when idx is out of range.
func (l *List[T]) At(idx int) T { return l.items[idx] }

// Worst returns the lowest-ranked entry.
func (l *List[T]) Worst() (T, bool) {
	var zero T
	if len(l.items) == 0 {
		return zero, false
	}
	return l.items[len(l.items)-1], true
}

func (l *List[T]) Len() int   { return len(l.items) }
func (l *List[T]) Cap() int   { return l.capacity }
func (l *List[T]) Full() bool { return len(l.items) >= l.capacity }

// Items returns a copy of the ranked entries.
func (l *List[T]) Items() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}
