// Package watch parks fibers until a pod reaches a wanted state. Fibers are
// resumed by pod informer notifications, with a periodic recheck of live
// state in case a notification is missed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	toolscache "k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vpatelsj/domain-operator/internal/work"
)

// ErrWaitTimedOut is returned when a pod does not reach the wanted state in
// time.
var ErrWaitTimedOut = errors.New("timed out waiting for pod")

// DefaultRecheckInterval bounds how long a parked fiber goes without
// looking at live state.
const DefaultRecheckInterval = 5 * time.Second

const readTimeout = 5 * time.Second

// Condition reports whether pod is in the wanted state. pod is nil when the
// pod does not exist.
type Condition func(pod *corev1.Pod) bool

// PodReady is satisfied by a Ready pod that is not being deleted.
func PodReady(pod *corev1.Pod) bool {
	if pod == nil || pod.DeletionTimestamp != nil {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// PodDeleted is satisfied once the pod is gone.
func PodDeleted(pod *corev1.Pod) bool {
	return pod == nil
}

// PodAwaiter tracks parked fibers by pod.
type PodAwaiter struct {
	reader  client.Reader
	recheck time.Duration

	mu      sync.Mutex
	seq     uint64
	waiters map[types.NamespacedName]map[uint64]*waiter
}

// NewPodAwaiter reads live pod state through reader, normally the
// manager's cache. A zero recheck uses DefaultRecheckInterval.
func NewPodAwaiter(reader client.Reader, recheck time.Duration) *PodAwaiter {
	if recheck <= 0 {
		recheck = DefaultRecheckInterval
	}
	return &PodAwaiter{
		reader:  reader,
		recheck: recheck,
		waiters: make(map[types.NamespacedName]map[uint64]*waiter),
	}
}

// WaitForReady returns a step that continues at next once the pod is Ready.
func (a *PodAwaiter) WaitForReady(namespace, name string, timeout time.Duration, next work.Step) work.Step {
	return a.WaitFor("ready", namespace, name, PodReady, timeout, next)
}

// WaitForDeleted returns a step that continues at next once the pod is gone.
func (a *PodAwaiter) WaitForDeleted(namespace, name string, timeout time.Duration, next work.Step) work.Step {
	return a.WaitFor("deleted", namespace, name, PodDeleted, timeout, next)
}

// WaitFor returns a step that continues at next once cond holds for the
// pod, and fails with ErrWaitTimedOut after timeout.
func (a *PodAwaiter) WaitFor(state, namespace, name string, cond Condition, timeout time.Duration, next work.Step) work.Step {
	return &waitStep{
		Base:    work.NewBase(next),
		awaiter: a,
		state:   state,
		key:     types.NamespacedName{Namespace: namespace, Name: name},
		cond:    cond,
		timeout: timeout,
	}
}

// Waiting returns the number of parked fibers.
func (a *PodAwaiter) Waiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ws := range a.waiters {
		n += len(ws)
	}
	return n
}

// OnPodEvent resumes every fiber waiting on pod whose condition now holds.
func (a *PodAwaiter) OnPodEvent(pod *corev1.Pod, deleted bool) {
	if pod == nil {
		return
	}
	key := types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name}
	observed := pod
	if deleted {
		observed = nil
	}

	a.mu.Lock()
	var ready []*waiter
	for _, w := range a.waiters[key] {
		if w.cond(observed) {
			ready = append(ready, w)
		}
	}
	a.mu.Unlock()

	for _, w := range ready {
		w.release(true)
	}
}

// EventHandler adapts OnPodEvent to an informer.
func (a *PodAwaiter) EventHandler() toolscache.ResourceEventHandler {
	return toolscache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				a.OnPodEvent(pod, false)
			}
		},
		UpdateFunc: func(_, obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				a.OnPodEvent(pod, false)
			}
		},
		DeleteFunc: func(obj interface{}) {
			if tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}
			if pod, ok := obj.(*corev1.Pod); ok {
				a.OnPodEvent(pod, true)
			}
		},
	}
}

// Register attaches the awaiter to the pod informer of c.
func (a *PodAwaiter) Register(ctx context.Context, c cache.Cache) error {
	informer, err := c.GetInformer(ctx, &corev1.Pod{})
	if err != nil {
		return fmt.Errorf("failed to get pod informer: %w", err)
	}
	if _, err := informer.AddEventHandler(a.EventHandler()); err != nil {
		return fmt.Errorf("failed to add pod event handler: %w", err)
	}
	return nil
}

// livePod returns the current pod, nil when it does not exist. Read errors
// other than NotFound are reported as ok=false.
func (a *PodAwaiter) livePod(key types.NamespacedName) (pod *corev1.Pod, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	pod = &corev1.Pod{}
	if err := a.reader.Get(ctx, key, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, true
		}
		return nil, false
	}
	return pod, true
}

func (a *PodAwaiter) satisfied(key types.NamespacedName, cond Condition) bool {
	pod, ok := a.livePod(key)
	return ok && cond(pod)
}

func (a *PodAwaiter) park(f *work.Fiber, key types.NamespacedName, cond Condition, wait time.Duration) {
	a.mu.Lock()
	a.seq++
	w := &waiter{awaiter: a, key: key, id: a.seq, fiber: f, cond: cond}
	if a.waiters[key] == nil {
		a.waiters[key] = make(map[uint64]*waiter)
	}
	a.waiters[key][w.id] = w
	a.mu.Unlock()

	w.arm(
		f.OnCancel(func() { w.release(false) }),
		f.ScheduleOnce(wait, func() { w.release(true) }),
	)

	// the pod may have changed before the waiter was registered
	if a.satisfied(key, cond) {
		w.release(true)
	}
}

func (a *PodAwaiter) unregister(w *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ws := a.waiters[w.key]
	delete(ws, w.id)
	if len(ws) == 0 {
		delete(a.waiters, w.key)
	}
}

// waiter is one parked fiber. It is released exactly once.
type waiter struct {
	awaiter *PodAwaiter
	key     types.NamespacedName
	id      uint64
	fiber   *work.Fiber
	cond    Condition

	released atomic.Bool
	mu       sync.Mutex
	cleanup  []func()
}

func (w *waiter) arm(cleanup ...func()) {
	w.mu.Lock()
	if !w.released.Load() {
		w.cleanup = cleanup
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	for _, fn := range cleanup {
		fn()
	}
}

func (w *waiter) release(resume bool) {
	if !w.released.CompareAndSwap(false, true) {
		return
	}
	w.awaiter.unregister(w)
	w.mu.Lock()
	cleanup := w.cleanup
	w.cleanup = nil
	w.mu.Unlock()
	for _, fn := range cleanup {
		fn()
	}
	if resume {
		w.fiber.Resume(nil)
	}
}

type waitStep struct {
	work.Base
	awaiter *PodAwaiter
	state   string
	key     types.NamespacedName
	cond    Condition
	timeout time.Duration
}

func (s *waitStep) Name() string {
	return fmt.Sprintf("waitFor%s:%s", s.state, s.key.Name)
}

func (s *waitStep) deadlineKey() string {
	return "waitDeadline:" + s.state + ":" + s.key.String()
}

func (s *waitStep) Apply(p *work.Packet) work.NextAction {
	if s.awaiter.satisfied(s.key, s.cond) {
		p.Remove(s.deadlineKey())
		return s.DoNext(p)
	}

	now := time.Now()
	deadline, ok := work.Value[time.Time](p, s.deadlineKey())
	if !ok {
		deadline = now.Add(s.timeout)
		p.Put(s.deadlineKey(), deadline)
	}
	if !now.Before(deadline) {
		p.Remove(s.deadlineKey())
		return work.Terminate(fmt.Errorf("%w: %s to be %s after %s", ErrWaitTimedOut, s.key, s.state, s.timeout))
	}

	wait := min(s.awaiter.recheck, deadline.Sub(now))
	work.LoggerFrom(p).V(1).Info("waiting for pod", "namespace", s.key.Namespace, "name", s.key.Name, "state", s.state)
	return work.Suspend(s, func(f *work.Fiber) {
		s.awaiter.park(f, s.key, s.cond, wait)
	})
}
