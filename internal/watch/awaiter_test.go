package watch

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	toolscache "k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/vpatelsj/domain-operator/internal/work"
)

func newPod(ready bool) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1-server1"},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
		},
	}
}

func setup(t *testing.T, objs ...client.Object) (*work.Engine, client.Client) {
	t.Helper()
	e := work.NewEngine(work.Config{Workers: 4}, logr.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, fake.NewClientBuilder().WithObjects(objs...).Build()
}

func finished() (work.Step, <-chan struct{}) {
	ch := make(chan struct{})
	return work.NewStep("finished", func(p *work.Packet, next work.Step) work.NextAction {
		close(ch)
		return work.Done()
	}, nil), ch
}

func waitFiber(t *testing.T, f *work.Fiber) error {
	t.Helper()
	select {
	case <-f.Done():
		return f.Err()
	case <-time.After(3 * time.Second):
		t.Fatal("fiber did not complete")
		return nil
	}
}

func TestWaitForReady_AlreadyReady(t *testing.T) {
	e, c := setup(t, newPod(true))
	a := NewPodAwaiter(c, time.Minute)
	next, reached := finished()

	f, err := e.Start(a.WaitForReady("ns", "d1-server1", time.Minute, next), work.NewPacket())
	require.NoError(t, err)
	require.NoError(t, waitFiber(t, f))
	<-reached
	assert.Zero(t, a.Waiting())
}

func TestWaitForReady_ResumedByEvent(t *testing.T) {
	pod := newPod(false)
	e, c := setup(t, pod)
	a := NewPodAwaiter(c, time.Minute)
	next, _ := finished()

	f, err := e.Start(a.WaitForReady("ns", "d1-server1", time.Minute, next), work.NewPacket())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	// an event that does not satisfy the condition leaves the fiber parked
	a.OnPodEvent(newPod(false), false)
	assert.Equal(t, 1, a.Waiting())

	ready := newPod(true)
	require.NoError(t, c.Get(t.Context(), client.ObjectKeyFromObject(pod), pod))
	pod.Status = ready.Status
	require.NoError(t, c.Status().Update(t.Context(), pod))
	a.OnPodEvent(pod, false)

	require.NoError(t, waitFiber(t, f))
	assert.Zero(t, a.Waiting())
}

func TestWaitForReady_RecheckWithoutEvent(t *testing.T) {
	pod := newPod(false)
	e, c := setup(t, pod)
	a := NewPodAwaiter(c, 10*time.Millisecond)
	next, _ := finished()

	f, err := e.Start(a.WaitForReady("ns", "d1-server1", time.Minute, next), work.NewPacket())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Waiting() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Get(t.Context(), client.ObjectKeyFromObject(pod), pod))
	pod.Status = newPod(true).Status
	require.NoError(t, c.Status().Update(t.Context(), pod))

	require.NoError(t, waitFiber(t, f))
}

func TestWaitForReady_TimesOut(t *testing.T) {
	e, c := setup(t, newPod(false))
	a := NewPodAwaiter(c, 10*time.Millisecond)

	f, err := e.Start(a.WaitForReady("ns", "d1-server1", 50*time.Millisecond, nil), work.NewPacket())
	require.NoError(t, err)
	assert.ErrorIs(t, waitFiber(t, f), ErrWaitTimedOut)
	assert.Zero(t, a.Waiting())
}

func TestWaitForDeleted(t *testing.T) {
	pod := newPod(true)
	e, c := setup(t, pod)
	a := NewPodAwaiter(c, time.Minute)
	next, _ := finished()

	f, err := e.Start(a.WaitForDeleted("ns", "d1-server1", time.Minute, next), work.NewPacket())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Delete(t.Context(), pod))
	a.EventHandler().OnDelete(toolscache.DeletedFinalStateUnknown{Key: "ns/d1-server1", Obj: pod})

	require.NoError(t, waitFiber(t, f))
}

func TestWaitForDeleted_MissingPod(t *testing.T) {
	e, c := setup(t)
	a := NewPodAwaiter(c, time.Minute)
	next, reached := finished()

	f, err := e.Start(a.WaitForDeleted("ns", "d1-server1", time.Minute, next), work.NewPacket())
	require.NoError(t, err)
	require.NoError(t, waitFiber(t, f))
	<-reached
}

func TestCancelUnregistersWaiter(t *testing.T) {
	e, c := setup(t, newPod(false))
	a := NewPodAwaiter(c, time.Minute)

	f, err := e.Start(a.WaitForReady("ns", "d1-server1", time.Minute, nil), work.NewPacket())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	f.Cancel()
	assert.ErrorIs(t, waitFiber(t, f), work.ErrFiberCancelled)
	assert.Zero(t, a.Waiting())
}

func TestPodConditions(t *testing.T) {
	assert.True(t, PodReady(newPod(true)))
	assert.False(t, PodReady(newPod(false)))
	assert.False(t, PodReady(nil))

	deleting := newPod(true)
	now := metav1.Now()
	deleting.DeletionTimestamp = &now
	assert.False(t, PodReady(deleting))

	assert.True(t, PodDeleted(nil))
	assert.False(t, PodDeleted(newPod(true)))
}
