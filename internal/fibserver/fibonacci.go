package fibserver

// MaxOrder is the largest order whose Fibonacci number fits in a uint64.
const MaxOrder = 93

// Recursive computes F(n) with the naive doubly recursive definition.
// It is exponential in n; the service uses it to stay CPU bound.
func Recursive(n int) uint64 {
	if n < 2 {
		if n < 0 {
			return 0
		}
		return uint64(n)
	}
	return Recursive(n-1) + Recursive(n-2)
}

// Iterative computes F(n) in linear time.
func Iterative(n int) uint64 {
	if n <= 0 {
		return 0
	}
	var a, b uint64 = 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}
