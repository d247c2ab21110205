// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with completed/cancelled channels exported
// which allows to wait on result in custom select statement.
// Cancel carries an error, so one Future is a single-resolution result|error slot.

package helpers

import (
	"context"
	"sync"
)

type Future struct {
	result    interface{}
	err       error
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (f *Future) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future) Completed() <-chan struct{} { return f.completed }

// Complete resolves with result. Returns false if already resolved.
func (f *Future) Complete(result interface{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	f.result = result
	close(f.completed)
	f.done = true
	return true
}

// Cancel resolves with error. Returns false if already resolved.
func (f *Future) Cancel(err error) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	f.err = err
	close(f.cancelled)
	f.done = true
	return true
}

func (f *Future) Done() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.done
}

func (f *Future) Result() (interface{}, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result, f.err
}

// Wait blocks until resolution or ctx done. ctx error does not resolve the future.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.completed:
	case <-f.cancelled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.Result()
}
