package state

// Capped is a bounded ordered list. Pushing past Capacity evicts the oldest
// entries first.
type Capped[T any] struct {
	Capacity int `json:"capacity"`
	Items    []T `json:"items"`
}

// NewCapped returns an empty list holding at most capacity items.
func NewCapped[T any](capacity int) Capped[T] {
	return Capped[T]{Capacity: capacity}
}

// Push appends item and returns the entries evicted to stay within capacity.
func (c *Capped[T]) Push(item T) []T {
	if c.Capacity <= 0 {
		panic("state: Capped.Push with no capacity set")
	}
	c.Items = append(c.Items, item)
	return c.trim()
}

// SetCapacity changes the bound and returns entries evicted by shrinking.
func (c *Capped[T]) SetCapacity(n int) []T {
	c.Capacity = n
	if n <= 0 {
		return nil
	}
	return c.trim()
}

// Len returns the number of stored entries.
func (c *Capped[T]) Len() int {
	return len(c.Items)
}

// Filter keeps only the entries for which keep returns true and reports how
// many were removed.
func (c *Capped[T]) Filter(keep func(T) bool) int {
	kept := c.Items[:0]
	removed := 0
	for _, it := range c.Items {
		if keep(it) {
			kept = append(kept, it)
		} else {
			removed++
		}
	}
	var zero T
	for i := len(kept); i < len(c.Items); i++ {
		c.Items[i] = zero
	}
	c.Items = kept
	return removed
}

func (c *Capped[T]) trim() []T {
	over := len(c.Items) - c.Capacity
	if over <= 0 {
		return nil
	}
	evicted := make([]T, over)
	copy(evicted, c.Items[:over])
	c.Items = append(c.Items[:0:0], c.Items[over:]...)
	return evicted
}
