package calls

import (
	"context"
	"net/http"
	"sync/atomic"

	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// KubeCall performs a request with a controller-runtime client. It may
// block; the factory runs it off the engine's workers.
type KubeCall[T any] func(ctx context.Context, c client.Client, params RequestParams, cont string) (T, error)

// KubeCallFactory runs KubeCalls asynchronously, throttled by a shared
// client-side rate limiter.
type KubeCallFactory[T any] struct {
	call    KubeCall[T]
	limiter *rate.Limiter
}

// NewKubeCallFactory wraps call. A nil limiter disables throttling.
func NewKubeCallFactory[T any](call KubeCall[T], limiter *rate.Limiter) *KubeCallFactory[T] {
	return &KubeCallFactory[T]{call: call, limiter: limiter}
}

type kubeCall struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func (k *kubeCall) Cancel() {
	if k.cancelled.CompareAndSwap(false, true) {
		k.cancel()
	}
}

func (f *KubeCallFactory[T]) Generate(ctx context.Context, params RequestParams, c client.Client, cont string, cb Callback[T]) (CancellableCall, error) {
	callCtx, cancel := context.WithCancel(ctx)
	kc := &kubeCall{cancel: cancel}

	go func() {
		defer cancel()
		if f.limiter != nil {
			if err := f.limiter.Wait(callCtx); err != nil {
				if !kc.cancelled.Load() && ctx.Err() == nil {
					cb.OnFailure(err, StatusLocalTimeout, nil)
				}
				return
			}
		}
		result, err := f.call(callCtx, c, params, cont)
		// a cancelled fiber cancels ctx before its cancel hooks run
		if kc.cancelled.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			cb.OnFailure(err, StatusCodeOf(err), nil)
			return
		}
		cb.OnSuccess(result, http.StatusOK, nil)
	}()

	return kc, nil
}
