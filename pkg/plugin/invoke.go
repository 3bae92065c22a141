package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// PanicError reports a plugin call that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panicked: %v", e.Value)
}

// Invoke runs fn under a deadline of timeout (no deadline when timeout <= 0)
// and returns its result. A panic inside fn is returned as *PanicError. When
// the context ends first Invoke returns ctx.Err() immediately; fn keeps
// running in the background and its result is discarded.
func Invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		select {
		case out := <-done:
			return out.value, out.err
		default:
		}
		var zero T
		return zero, callCtx.Err()
	}
}
