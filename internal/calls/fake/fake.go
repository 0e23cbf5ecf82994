// Package fake provides a scripted call factory for testing request steps
// without an API server.
package fake

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vpatelsj/domain-operator/internal/calls"
)

// Outcome is the scripted result of one call.
type Outcome[T any] struct {
	// StatusCode of a failure; 0 with Err unset means success.
	StatusCode int
	Err        error
	Result     T

	// Latency before the callback fires.
	Latency time.Duration

	// Hang never invokes the callback.
	Hang bool
}

// Success returns a successful outcome.
func Success[T any](result T) Outcome[T] {
	return Outcome[T]{Result: result}
}

// Failure returns a failed outcome with the given status code.
func Failure[T any](statusCode int) Outcome[T] {
	return Outcome[T]{StatusCode: statusCode, Err: errors.New(http.StatusText(statusCode))}
}

// Hang returns an outcome that never completes.
func Hang[T any]() Outcome[T] {
	return Outcome[T]{Hang: true}
}

// Call records one Generate invocation.
type Call struct {
	Params   calls.RequestParams
	Continue string
}

// Factory replays outcomes in order. The last outcome repeats once the
// script is exhausted.
type Factory[T any] struct {
	mu        sync.Mutex
	script    []Outcome[T]
	calls     []Call
	cancelled int
}

// New creates a factory with the given script.
func New[T any](outcomes ...Outcome[T]) *Factory[T] {
	return &Factory[T]{script: outcomes}
}

type call struct {
	f    interface{ markCancelled() }
	stop chan struct{}
	once sync.Once
}

func (c *call) Cancel() {
	c.once.Do(func() {
		close(c.stop)
		c.f.markCancelled()
	})
}

func (f *Factory[T]) markCancelled() {
	f.mu.Lock()
	f.cancelled++
	f.mu.Unlock()
}

func (f *Factory[T]) Generate(ctx context.Context, params calls.RequestParams, _ client.Client, cont string, cb calls.Callback[T]) (calls.CancellableCall, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Params: params, Continue: cont})
	var out Outcome[T]
	if len(f.script) > 0 {
		out = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	f.mu.Unlock()

	c := &call{f: f, stop: make(chan struct{})}
	if out.Hang {
		return c, nil
	}
	go func() {
		if out.Latency > 0 {
			select {
			case <-time.After(out.Latency):
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-c.stop:
			return
		default:
		}
		if out.Err != nil {
			cb.OnFailure(out.Err, out.StatusCode, nil)
			return
		}
		cb.OnSuccess(out.Result, http.StatusOK, nil)
	}()
	return c, nil
}

// Calls returns the recorded invocations.
func (f *Factory[T]) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many calls were generated.
func (f *Factory[T]) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Cancelled returns how many calls were cancelled.
func (f *Factory[T]) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}
