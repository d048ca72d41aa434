package writer

// buffer is a last-value-wins map that remembers first-insertion order, so a burst of
// updates to one id collapses to a single item without reordering the others.
type buffer[T any] struct {
	order []string
	items map[string]T
}

func newBuffer[T any]() *buffer[T] {
	return &buffer[T]{items: make(map[string]T)}
}

func (b *buffer[T]) put(id string, v T) {
	if _, ok := b.items[id]; !ok {
		b.order = append(b.order, id)
	}
	b.items[id] = v
}

func (b *buffer[T]) has(id string) bool {
	_, ok := b.items[id]
	return ok
}

func (b *buffer[T]) remove(id string) {
	if _, ok := b.items[id]; !ok {
		return
	}
	delete(b.items, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			return
		}
	}
}

func (b *buffer[T]) len() int {
	return len(b.items)
}

// take empties the buffer and returns its contents in insertion order.
func (b *buffer[T]) take() (ids []string, values []T) {
	ids = b.order
	values = make([]T, len(ids))
	for i, id := range ids {
		values[i] = b.items[id]
	}
	b.order = nil
	b.items = make(map[string]T)
	return ids, values
}
