package fn

// Map applies f to each element.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, len(items))
	for i, item := range items {
		out[i] = f(item)
	}
	return out
}

// Chunk splits items into consecutive slices of at most n elements.
// The chunks share the backing array of items.
func Chunk[T any](items []T, n int) [][]T {
	if n <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+n-1)/n)
	for n < len(items) {
		items, out = items[n:], append(out, items[:n:n])
	}
	return append(out, items)
}
