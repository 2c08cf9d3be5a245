package channels

import "context"

// Submit writes value to channel unless ctx ends first. It returns true only if the value was written.
func Submit[T any](ctx context.Context, channel chan<- T, value T) bool {
	select {
	case channel <- value:
		return true

	case <-ctx.Done():
		return false
	}
}

// Receive reads from channel unless ctx ends first. The second return value is false if ctx ended or the channel was
// closed.
func Receive[T any](ctx context.Context, channel <-chan T) (T, bool) {
	select {
	case value, hasValue := <-channel:
		return value, hasValue

	case <-ctx.Done():
		var empty T
		return empty, false
	}
}
