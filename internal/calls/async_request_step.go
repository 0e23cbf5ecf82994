package calls

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vpatelsj/domain-operator/internal/metrics"
	"github.com/vpatelsj/domain-operator/internal/work"
)

const (
	// ResponseComponent is the packet component holding the last
	// CallResponse and the RetryStrategy.
	ResponseComponent = "response"

	// ContinueKey in the packet asks the request step to fetch the next
	// page of a list call.
	ContinueKey = "continue"

	// FailedConditionType and FailedConditionReason label the failure a
	// request records on its domain.
	FailedConditionType   = "Failed"
	FailedConditionReason = "Kubernetes"

	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 5
)

// CancellableCall is an in-flight request.
type CancellableCall interface {
	Cancel()
}

// Callback receives the outcome of a request. At most one method is
// invoked, and none after the call is cancelled.
type Callback[T any] interface {
	OnSuccess(result T, statusCode int, headers http.Header)
	OnFailure(err error, statusCode int, headers http.Header)
}

// CallFactory starts a request and returns without waiting for it.
type CallFactory[T any] interface {
	Generate(ctx context.Context, params RequestParams, c client.Client, cont string, cb Callback[T]) (CancellableCall, error)
}

// FailureRecorder keeps request failures visible on the domain status.
type FailureRecorder interface {
	RecordFailure(cond metav1.Condition)
	ClearFailure(cond metav1.Condition)
}

// Option configures an AsyncRequestStep.
type Option func(*stepOptions)

type stepOptions struct {
	timeout    time.Duration
	maxRetries int
	retry      RetryStrategy
	backoff    Backoff
}

// WithTimeout sets the initial listen timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *stepOptions) { o.timeout = d }
}

// WithMaxRetries sets the retry budget of the default strategy.
func WithMaxRetries(n int) Option {
	return func(o *stepOptions) { o.maxRetries = n }
}

// WithRetryStrategy replaces the default strategy.
func WithRetryStrategy(r RetryStrategy) Option {
	return func(o *stepOptions) { o.retry = r }
}

// WithBackoff sets the backoff of the default strategy.
func WithBackoff(b Backoff) Option {
	return func(o *stepOptions) { o.backoff = b }
}

// AsyncRequestStep issues one API request and suspends the fiber until
// the request completes, fails, times out or the fiber is cancelled. The
// outcome is stored in the packet for the ResponseStep that follows.
type AsyncRequestStep[T any] struct {
	work.Base
	params      RequestParams
	factory     CallFactory[T]
	pool        *Pool[client.Client]
	maxRetries  int
	backoff     Backoff
	customRetry RetryStrategy
	timeout     atomic.Int64

	mu              sync.Mutex
	recordedFailure *metav1.Condition
}

// NewAsyncRequestStep links a request to the response step that handles
// its outcome.
func NewAsyncRequestStep[T any](next *ResponseStep[T], params RequestParams, factory CallFactory[T], pool *Pool[client.Client], opts ...Option) *AsyncRequestStep[T] {
	o := stepOptions{
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &AsyncRequestStep[T]{
		Base:        work.NewBase(next),
		params:      params,
		factory:     factory,
		pool:        pool,
		maxRetries:  o.maxRetries,
		backoff:     o.backoff,
		customRetry: o.retry,
	}
	s.timeout.Store(int64(o.timeout))
	if next != nil {
		next.previous = s
	}
	return s
}

func (s *AsyncRequestStep[T]) Name() string {
	return "async:" + s.params.Call
}

// Params returns the request description.
func (s *AsyncRequestStep[T]) Params() RequestParams {
	return s.params
}

// Timeout returns the current listen timeout.
func (s *AsyncRequestStep[T]) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

func (s *AsyncRequestStep[T]) listenTimeoutDoubled() {
	for {
		old := s.timeout.Load()
		if s.timeout.CompareAndSwap(old, old*2) {
			return
		}
	}
}

func (s *AsyncRequestStep[T]) Apply(p *work.Packet) work.NextAction {
	var cont string
	_, wantsNext := p.Remove(ContinueKey)
	retry := s.customRetry
	if old, ok := p.RemoveComponent(ResponseComponent); ok {
		if wantsNext {
			if resp, ok := work.SPI[*CallResponse[T]](old); ok {
				cont = accessContinue(resp.Result)
			}
		}
		if rs, ok := work.SPI[RetryStrategy](old); ok {
			retry = rs
		}
	}
	if retry == nil {
		rs := NewRetryStrategy(s.maxRetries, s, s.backoff)
		rs.call = s.params.Call
		rs.listener = s
		retry = rs
	}

	proc := &processing[T]{step: s, packet: p, retry: retry, cont: cont}
	return work.Suspend(s.Next(), proc.start)
}

func accessContinue(result any) string {
	if v := reflect.ValueOf(result); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return ""
	}
	if list, ok := result.(metav1.ListInterface); ok {
		return list.GetContinue()
	}
	return ""
}

// processing is the state of one attempt. Exactly one of success, failure,
// timeout, setup error or cancellation wins the resume guard.
type processing[T any] struct {
	step   *AsyncRequestStep[T]
	packet *work.Packet
	retry  RetryStrategy
	cont   string
	client client.Client
	timer  *metrics.Timer
	fiber  *work.Fiber

	resumed atomic.Bool

	mu           sync.Mutex
	stopTimeout  func()
	removeCancel func()
}

func (pr *processing[T]) firstTimeResumed() bool {
	return pr.resumed.CompareAndSwap(false, true)
}

func (pr *processing[T]) start(f *work.Fiber) {
	s := pr.step
	pr.fiber = f
	pr.timer = metrics.NewTimer()
	log := work.LoggerFrom(pr.packet)

	c, err := s.pool.Take()
	if err != nil {
		log.Error(err, "unable to obtain API client", "call", s.params.Call)
		pr.resumeAfterError(err)
		return
	}
	pr.client = c

	log.V(2).Info("starting call", "call", s.params.Call, "namespace", s.params.Namespace, "name", s.params.Name, "continue", pr.cont)
	call, err := s.factory.Generate(f.Context(), s.params, c, pr.cont, pr)
	if err != nil {
		if pr.firstTimeResumed() {
			s.pool.Recycle(c)
			pr.resume(&CallResponse[T]{Params: s.params, Err: err, StatusCode: StatusLocalTimeout})
		}
		return
	}

	removeCancel := f.OnCancel(func() {
		if pr.firstTimeResumed() {
			call.Cancel()
			s.pool.Recycle(c)
			metrics.AsyncCallsTotal.WithLabelValues(s.params.Call, "cancelled").Inc()
		}
	})
	stopTimeout := f.ScheduleOnce(s.Timeout(), func() { pr.handleTimeout(call) })

	pr.mu.Lock()
	pr.stopTimeout, pr.removeCancel = stopTimeout, removeCancel
	pr.mu.Unlock()
	if pr.resumed.Load() {
		pr.cleanup()
	}
}

func (pr *processing[T]) cleanup() {
	pr.mu.Lock()
	stop, remove := pr.stopTimeout, pr.removeCancel
	pr.mu.Unlock()
	if stop != nil {
		stop()
	}
	if remove != nil {
		remove()
	}
}

// OnSuccess implements Callback.
func (pr *processing[T]) OnSuccess(result T, statusCode int, headers http.Header) {
	s := pr.step
	s.clearFailure(pr.packet)
	if !pr.firstTimeResumed() {
		return
	}
	pr.cleanup()
	s.pool.Recycle(pr.client)
	metrics.AsyncCallsTotal.WithLabelValues(s.params.Call, "success").Inc()
	pr.timer.ObserveDurationVec(metrics.AsyncCallDuration, s.params.Call)
	pr.resume(&CallResponse[T]{Params: s.params, Result: result, StatusCode: statusCode, Headers: headers})
}

// OnFailure implements Callback.
func (pr *processing[T]) OnFailure(err error, statusCode int, headers http.Header) {
	s := pr.step
	if !pr.firstTimeResumed() {
		return
	}
	pr.cleanup()
	if statusCode != http.StatusNotFound {
		work.LoggerFrom(pr.packet).V(1).Info("call failed", "call", s.params.Call, "namespace", s.params.Namespace,
			"name", s.params.Name, "statusCode", statusCode, "error", err.Error())
		s.recordFailure(pr.packet, err)
	}
	if isProtocolError(err) {
		s.pool.Discard(pr.client)
	} else {
		s.pool.Recycle(pr.client)
	}
	metrics.AsyncCallsTotal.WithLabelValues(s.params.Call, "failure").Inc()
	pr.timer.ObserveDurationVec(metrics.AsyncCallDuration, s.params.Call)
	pr.resume(&CallResponse[T]{Params: s.params, Err: err, StatusCode: statusCode, Headers: headers})
}

func (pr *processing[T]) handleTimeout(call CancellableCall) {
	s := pr.step
	if !pr.firstTimeResumed() {
		return
	}
	pr.cleanup()
	call.Cancel()
	// The request may still be on the wire; the connection is not reused.
	s.pool.Discard(pr.client)
	work.LoggerFrom(pr.packet).V(1).Info("call timed out", "call", s.params.Call, "timeout", s.Timeout())
	metrics.AsyncCallsTotal.WithLabelValues(s.params.Call, "timeout").Inc()
	pr.resume(&CallResponse[T]{Params: s.params, Err: ErrCallTimedOut, StatusCode: StatusLocalTimeout})
}

func (pr *processing[T]) resumeAfterError(err error) {
	if !pr.firstTimeResumed() {
		return
	}
	pr.resume(&CallResponse[T]{Params: pr.step.params, Err: err, StatusCode: StatusLocalTimeout})
}

func (pr *processing[T]) resume(resp *CallResponse[T]) {
	pr.packet.PutComponent(ResponseComponent, work.NewComponent(pr.retry, resp))
	pr.fiber.Resume(pr.packet)
}

func (s *AsyncRequestStep[T]) recordFailure(p *work.Packet, err error) {
	recorder, ok := work.Lookup[FailureRecorder](p)
	if !ok {
		return
	}
	cond := metav1.Condition{
		Type:    FailedConditionType,
		Status:  metav1.ConditionTrue,
		Reason:  FailedConditionReason,
		Message: s.params.FailureMessage(err),
	}

	s.mu.Lock()
	previous := s.recordedFailure
	s.recordedFailure = &cond
	s.mu.Unlock()

	if previous != nil && previous.Message != cond.Message {
		recorder.ClearFailure(*previous)
	}
	recorder.RecordFailure(cond)
}

func (s *AsyncRequestStep[T]) clearFailure(p *work.Packet) {
	s.mu.Lock()
	previous := s.recordedFailure
	s.recordedFailure = nil
	s.mu.Unlock()
	if previous == nil {
		return
	}
	if recorder, ok := work.Lookup[FailureRecorder](p); ok {
		recorder.ClearFailure(*previous)
	}
}
