package calls_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vpatelsj/domain-operator/internal/calls"
	"github.com/vpatelsj/domain-operator/internal/work"
)

func TestKubeCall_CancelledFiberRecordsNoFailure(t *testing.T) {
	e := setupEngine(t)

	for i := 0; i < 20; i++ {
		var started, returned atomic.Int64
		blocking := func(ctx context.Context, _ client.Client, _ calls.RequestParams, _ string) (*corev1.Pod, error) {
			started.Add(1)
			<-ctx.Done()
			returned.Add(1)
			return nil, ctx.Err()
		}
		rec := &recorder{}
		p := work.NewPacket()
		p.PutComponent("info", work.NewComponent(rec))
		var responses atomic.Int64

		step := calls.NewAsyncRequestStep(calls.NewResponseStep(calls.ResponseHandler[*corev1.Pod]{
			OnFailure: func(*calls.ResponseStep[*corev1.Pod], *work.Packet, *calls.CallResponse[*corev1.Pod]) (work.NextAction, bool) {
				responses.Add(1)
				return work.Done(), true
			},
		}, nil), readParams, calls.NewKubeCallFactory[*corev1.Pod](blocking, nil), nilClientPool())

		f, err := e.Start(step, p)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

		f.Cancel()
		<-f.Done()
		require.Eventually(t, func() bool { return returned.Load() == 1 }, time.Second, time.Millisecond)

		assert.ErrorIs(t, f.Err(), work.ErrFiberCancelled, "iteration %d", i)
		assert.Zero(t, responses.Load(), "iteration %d", i)
		rec.mu.Lock()
		assert.Empty(t, rec.recorded, "iteration %d", i)
		rec.mu.Unlock()
	}
}

func TestKubeCall_ReportsResult(t *testing.T) {
	e := setupEngine(t)
	read := func(_ context.Context, _ client.Client, params calls.RequestParams, _ string) (*corev1.Pod, error) {
		return pod(params.Name), nil
	}

	var got string
	step := calls.NewAsyncRequestStep(calls.NewResponseStep(calls.ResponseHandler[*corev1.Pod]{
		OnSuccess: func(s *calls.ResponseStep[*corev1.Pod], p *work.Packet, resp *calls.CallResponse[*corev1.Pod]) work.NextAction {
			got = resp.Result.Name
			return s.DoNext(p)
		},
	}, nil), readParams, calls.NewKubeCallFactory[*corev1.Pod](read, nil), nilClientPool())

	_, err := run(t, e, step, nil)
	require.NoError(t, err)
	assert.Equal(t, "server1", got)
}
