package chat

// DropVec is a fixed-capacity queue that drops its oldest element to
// make room. Capacity zero is legal and drops every push immediately.
// Not safe for concurrent use, callers hold their own lock.
type DropVec[T any] struct {
	buf   []T
	start int
	n     int
}

func NewDropVec[T any](capacity int) *DropVec[T] {
	return &DropVec[T]{buf: make([]T, capacity)}
}

func (v *DropVec[T]) Push(item T) {
	if len(v.buf) == 0 {
		return
	}
	if v.n == len(v.buf) {
		v.buf[v.start] = item
		v.start = (v.start + 1) % len(v.buf)
		return
	}
	v.buf[(v.start+v.n)%len(v.buf)] = item
	v.n++
}

func (v *DropVec[T]) Len() int { return v.n }

// Items returns the contents oldest first.
func (v *DropVec[T]) Items() []T {
	out := make([]T, 0, v.n)
	for i := 0; i < v.n; i++ {
		out = append(out, v.buf[(v.start+i)%len(v.buf)])
	}
	return out
}
